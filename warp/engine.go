package warp

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warpgraph/cluster"
	"warpgraph/graph"
)

var ErrAlreadyStarted = errors.New("warp: engine already started")

// Checkpointer persists the local vertex values of a running engine.
type Checkpointer interface {
	Checkpoint(ctx context.Context, epoch uint64, state map[graph.VertexID]interface{}) error
}

type options struct {
	threads         int
	maxUpdates      uint64
	flushInterval   time.Duration
	probeInterval   time.Duration
	batchSize       int
	registerer      prometheus.Registerer
	checkpointer    Checkpointer
	checkpointEvery time.Duration
	logger          *zap.Logger
	output          io.Writer
}

type Option func(*options)

func WithThreads(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threads = n
		}
	}
}

// WithMaxUpdates caps how often each vertex is evaluated. Signals to a
// vertex at the cap are dropped. Zero means no cap.
func WithMaxUpdates(n uint64) Option {
	return func(o *options) { o.maxUpdates = n }
}

func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

func WithProbeInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeInterval = d
		}
	}
}

// WithBatchSize sets how many records bound for one peer trigger a flush.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

func WithCheckpointer(cp Checkpointer, every time.Duration) Option {
	return func(o *options) {
		o.checkpointer = cp
		o.checkpointEvery = every
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOutput sets the writer update functions reach through
// Context.Output.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

type Stats struct {
	Updates         uint64
	LocalSignals    uint64
	RemoteSignals   uint64
	Dropped         uint64
	BatchesSent     uint64
	BatchesReceived uint64
	Waves           uint64
	Checkpoints     uint64
	Elapsed         time.Duration
}

type Status struct {
	Rank        uint32
	State       string
	QueueLength int
	Stats       Stats
}

const (
	engineIdle int32 = iota
	engineRunning
	engineDone
	engineFailed
)

// Engine runs update functions over the local partition until the whole
// cluster runs out of signals.
type Engine struct {
	g          *graph.Graph
	update     UpdateFunc
	opts       options
	log        *zap.Logger
	rank, size uint32

	queue   *SignalQueue
	outbox  *outbox
	metrics *metrics

	// deliverMu orders batch receipt against probes so a probe sees the
	// queue and the received count of the same instant.
	deliverMu  sync.Mutex
	received   uint64
	terminated bool

	state         int32
	updates       uint64
	localSignals  uint64
	remoteSignals uint64
	waves         uint64
	checkpoints   uint64
	startedAt     int64
	elapsed       int64

	done     chan struct{}
	doneOnce sync.Once
	sends    sync.WaitGroup

	failMu sync.Mutex
	fatal  error
	cancel context.CancelFunc
}

func New(g *graph.Graph, update UpdateFunc, opts ...Option) *Engine {
	o := options{
		threads:       runtime.NumCPU(),
		flushInterval: 5 * time.Millisecond,
		probeInterval: 10 * time.Millisecond,
		batchSize:     1024,
		output:        io.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	e := &Engine{
		g:      g,
		update: update,
		opts:   o,
		log:    o.logger.Named("warp").With(zap.Uint32("rank", g.Rank())),
		rank:   g.Rank(),
		size:   g.Size(),
		queue:  NewSignalQueue(o.maxUpdates),
		outbox: newOutbox(o.batchSize),
		done:   make(chan struct{}),
	}
	e.metrics = newMetrics(o.registerer, e.rank, func() float64 { return float64(e.queue.Len()) })
	return e
}

// Signal schedules id before or during a run. Remote ids are forwarded to
// their owner once the run starts.
func (e *Engine) Signal(id graph.VertexID) {
	owner := e.g.Owner(id)
	if owner == e.rank {
		e.signalLocal(id)
		return
	}
	atomic.AddUint64(&e.remoteSignals, 1)
	e.metrics.signals.WithLabelValues("remote").Inc()
	e.outbox.add(nil, nil, map[uint32][]graph.VertexID{owner: {id}})
}

// SignalAll schedules every local vertex.
func (e *Engine) SignalAll() {
	e.g.Partition().Range(func(v *graph.Vertex) bool {
		e.signalLocal(v.ID())
		return true
	})
}

func (e *Engine) signalLocal(id graph.VertexID) {
	switch e.queue.Offer(id) {
	case SignalScheduled:
		atomic.AddUint64(&e.localSignals, 1)
		e.metrics.signals.WithLabelValues("local").Inc()
	case SignalDropped:
		e.metrics.signals.WithLabelValues("dropped").Inc()
	}
}

// Start runs the engine until global termination or the first fatal error.
// Every worker of the cluster must call Start.
func (e *Engine) Start(ctx context.Context) (Stats, error) {
	if !atomic.CompareAndSwapInt32(&e.state, engineIdle, engineRunning) {
		return e.Stats(), ErrAlreadyStarted
	}
	atomic.StoreInt64(&e.startedAt, time.Now().UnixNano())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.failMu.Lock()
	e.cancel = cancel
	e.failMu.Unlock()

	e.g.Attach(e)
	defer e.g.Detach()
	if err := e.g.Barrier(ctx, nil); err != nil {
		atomic.StoreInt32(&e.state, engineFailed)
		return e.Stats(), errors.Wrap(err, "warp: start barrier")
	}
	e.log.Info("engine started", zap.Int("threads", e.opts.threads), zap.Int("queued", e.queue.Len()))

	grp, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		e.queue.Close()
	}()
	for i := 0; i < e.opts.threads; i++ {
		grp.Go(func() error { return e.work(gctx) })
	}
	grp.Go(func() error { return e.flushLoop(gctx) })
	if e.rank == 0 {
		grp.Go(func() error { return e.coordinate(gctx) })
	}
	if e.opts.checkpointer != nil && e.opts.checkpointEvery > 0 {
		grp.Go(func() error { return e.checkpointLoop(gctx) })
	}
	err := grp.Wait()
	e.sends.Wait()
	atomic.StoreInt64(&e.elapsed, time.Now().UnixNano()-atomic.LoadInt64(&e.startedAt))

	if fatal := e.fatalErr(); fatal != nil {
		err = fatal
	}
	if err == nil {
		select {
		case <-e.done:
		default:
			err = ctx.Err()
		}
	}
	if err != nil {
		atomic.StoreInt32(&e.state, engineFailed)
		e.abortPeers(err)
		e.log.Error("engine failed", zap.Error(err))
		return e.Stats(), err
	}
	atomic.StoreInt32(&e.state, engineDone)
	stats := e.Stats()
	e.log.Info("engine terminated",
		zap.Uint64("updates", stats.Updates),
		zap.Uint64("batchesSent", stats.BatchesSent),
		zap.Uint64("waves", stats.Waves),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

func (e *Engine) work(ctx context.Context) error {
	for {
		id, ok := e.queue.Take()
		if !ok {
			return nil
		}
		err := e.evaluate(ctx, id)
		e.queue.Done(id)
		if err != nil {
			e.fail(err)
			return err
		}
		if e.queue.Idle() {
			e.outbox.notify()
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, id graph.VertexID) error {
	v, ok := e.g.Local(id)
	if !ok {
		return errors.Errorf("warp: vertex %d is not owned by rank %d", id, e.rank)
	}
	c := e.newContext(ctx, v)
	if err := e.update(c, v); err != nil {
		e.metrics.failures.Inc()
		return errors.Wrapf(err, "warp: update of vertex %d", id)
	}
	c.commit()
	atomic.AddUint64(&e.updates, 1)
	e.metrics.updates.Inc()
	return nil
}

func (e *Engine) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-ticker.C:
		case <-e.outbox.kick:
		}
		e.flush(ctx)
	}
}

// flush ships everything in the outbox. Each batch goes out on its own
// goroutine, so batches to one peer may arrive out of order.
func (e *Engine) flush(ctx context.Context) {
	for _, o := range e.outbox.take() {
		e.metrics.batches.WithLabelValues("sent").Inc()
		e.sends.Add(1)
		go func(o outgoing) {
			defer e.sends.Done()
			defer e.outbox.delivered()
			err := cluster.Retry(ctx, e.g.RetryPolicy(), "send", o.to, func() error {
				return e.g.Transport().Send(ctx, o.to, o.batch)
			})
			if err != nil {
				e.fail(errors.Wrapf(err, "warp: forward batch to rank %d", o.to))
			}
		}(o)
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-ticker.C:
		}
		epoch := atomic.AddUint64(&e.checkpoints, 1)
		state := make(map[graph.VertexID]interface{}, e.g.NumLocalVertices())
		e.g.Partition().Range(func(v *graph.Vertex) bool {
			state[v.ID()] = v.Data()
			return true
		})
		if err := e.opts.checkpointer.Checkpoint(ctx, epoch, state); err != nil {
			return errors.Wrapf(err, "warp: checkpoint %d", epoch)
		}
		e.log.Debug("checkpoint stored", zap.Uint64("epoch", epoch), zap.Int("vertices", len(state)))
	}
}

// Deliver receives the signals of a work batch whose ghost updates have
// already been applied.
func (e *Engine) Deliver(from uint32, signals []graph.VertexID) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.terminated {
		e.fail(&TerminationProtocolViolation{
			Rank:   e.rank,
			Reason: fmt.Sprintf("work batch from rank %d after termination", from),
		})
		return
	}
	for _, id := range signals {
		if !e.g.IsLocal(id) {
			e.log.Warn("dropping misrouted signal", zap.Uint64("vertex", id), zap.Uint32("from", from))
			continue
		}
		e.signalLocal(id)
	}
	e.received++
	e.metrics.batches.WithLabelValues("received").Inc()
}

// Probe answers a termination wave.
func (e *Engine) Probe(req *cluster.ProbeRequest) *cluster.ProbeReply {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	// Queue first: once it is idle with receipts blocked, the outbox can
	// only drain.
	idle := atomic.LoadInt32(&e.state) == engineRunning && e.fatalErr() == nil && e.queue.Idle()
	quiet, sent := e.outbox.quiet()
	return &cluster.ProbeReply{
		Rank:     e.rank,
		Wave:     req.Wave,
		Idle:     idle && quiet,
		Sent:     sent,
		Received: e.received,
	}
}

func (e *Engine) Control(c *cluster.Control) error {
	switch c.Kind {
	case cluster.ControlTerminate:
		e.terminate()
	case cluster.ControlAbort:
		e.fail(errors.Errorf("warp: aborted by rank %d: %s", c.From, c.Reason))
	default:
		return errors.Errorf("warp: unexpected control %s", c.Kind)
	}
	return nil
}

func (e *Engine) terminate() {
	e.deliverMu.Lock()
	e.terminated = true
	e.deliverMu.Unlock()
	e.doneOnce.Do(func() { close(e.done) })
	e.queue.Close()
}

func (e *Engine) fail(err error) {
	e.failMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	cancel := e.cancel
	e.failMu.Unlock()
	e.queue.Close()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) fatalErr() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.fatal
}

// abortPeers tells every other worker to stop. Peers that already stopped
// are ignored.
func (e *Engine) abortPeers(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for r := uint32(0); r < e.size; r++ {
		if r == e.rank {
			continue
		}
		_, err := e.g.Transport().Control(ctx, r, &cluster.Control{Kind: cluster.ControlAbort, Reason: cause.Error()})
		if err != nil {
			e.log.Debug("abort not delivered", zap.Uint32("peer", r), zap.Error(err))
		}
	}
}

func (e *Engine) Stats() Stats {
	e.deliverMu.Lock()
	received := e.received
	e.deliverMu.Unlock()
	_, sent := e.outbox.quiet()
	elapsed := time.Duration(atomic.LoadInt64(&e.elapsed))
	if atomic.LoadInt32(&e.state) == engineRunning {
		elapsed = time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&e.startedAt))
	}
	return Stats{
		Updates:         atomic.LoadUint64(&e.updates),
		LocalSignals:    atomic.LoadUint64(&e.localSignals),
		RemoteSignals:   atomic.LoadUint64(&e.remoteSignals),
		Dropped:         e.queue.Dropped(),
		BatchesSent:     sent,
		BatchesReceived: received,
		Waves:           atomic.LoadUint64(&e.waves),
		Checkpoints:     atomic.LoadUint64(&e.checkpoints),
		Elapsed:         elapsed,
	}
}

func (e *Engine) Status() Status {
	state := "idle"
	switch atomic.LoadInt32(&e.state) {
	case engineRunning:
		state = "running"
	case engineDone:
		state = "terminated"
	case engineFailed:
		state = "failed"
	}
	return Status{Rank: e.rank, State: state, QueueLength: e.queue.Len(), Stats: e.Stats()}
}
