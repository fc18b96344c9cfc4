package graph

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"warpgraph/cluster"
)

// Builder receives vertices and edges while a graph is loaded.
type Builder interface {
	AddVertex(id VertexID, data interface{}) error
	AddEdge(src, dst VertexID, data interface{}) error
}

// Sink receives engine traffic that reaches this worker through the
// transport. It is attached by a running engine.
type Sink interface {
	Deliver(from uint32, signals []VertexID)
	Probe(req *cluster.ProbeRequest) *cluster.ProbeReply
	Control(c *cluster.Control) error
}

const (
	defaultFlushThreshold = 4096
	// defaultBarrierTimeout bounds how long rank 0 holds an epoch open for
	// workers that have not arrived.
	defaultBarrierTimeout = 30 * time.Minute
	abortTimeout          = time.Second
)

// Graph is one worker's view of the distributed graph: its partition, the
// ghosts of remote neighbours, and the transport to its peers.
type Graph struct {
	rank, size uint32
	part       *Partition
	ghosts     *GhostCache
	tr         cluster.Transport
	retry      cluster.RetryPolicy
	log        *zap.Logger

	flushThreshold int
	pendingMu      sync.Mutex
	pending        map[uint32]*cluster.Batch

	fetches        singleflight.Group
	epoch          uint64
	barrier        *cluster.Barrier
	barrierRetry   cluster.RetryPolicy
	barrierTimeout time.Duration

	sinkMu sync.Mutex
	sink   Sink
	early  []*cluster.Batch
}

type Option func(*Graph)

func WithLogger(l *zap.Logger) Option {
	return func(g *Graph) { g.log = l }
}

// WithRetryPolicy sets the budget for sends and remote reads.
func WithRetryPolicy(p cluster.RetryPolicy) Option {
	return func(g *Graph) { g.retry = p }
}

// WithBarrierPolicy sets the budget for reaching rank 0 at a barrier. It
// also covers cluster formation, so it should outlast worker start-up skew.
func WithBarrierPolicy(p cluster.RetryPolicy) Option {
	return func(g *Graph) { g.barrierRetry = p }
}

// WithBarrierTimeout bounds how long rank 0 waits for every worker to reach
// a barrier. Zero waits forever.
func WithBarrierTimeout(d time.Duration) Option {
	return func(g *Graph) { g.barrierTimeout = d }
}

// WithFlushThreshold sets how many records bound for one peer are buffered
// during ingestion before they are sent.
func WithFlushThreshold(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.flushThreshold = n
		}
	}
}

// New creates the local graph and registers it as tr's handler.
func New(tr cluster.Transport, opts ...Option) *Graph {
	g := &Graph{
		rank:           tr.Rank(),
		size:           tr.Size(),
		ghosts:         NewGhostCache(),
		tr:             tr,
		retry:          cluster.DefaultRetryPolicy,
		barrierRetry:   cluster.StartupPolicy(cluster.DefaultStartupTimeout),
		barrierTimeout: defaultBarrierTimeout,
		log:            zap.NewNop(),
		flushThreshold: defaultFlushThreshold,
		pending:        make(map[uint32]*cluster.Batch),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.part = NewPartition(g.rank, g.size)
	g.log = g.log.With(zap.Uint32("rank", g.rank))
	if g.rank == 0 {
		g.barrier = cluster.NewBarrier(int(g.size), g.barrierTimeout)
	}
	tr.Register(g)
	return g
}

func (g *Graph) Rank() uint32                 { return g.rank }
func (g *Graph) Size() uint32                 { return g.size }
func (g *Graph) Partition() *Partition        { return g.part }
func (g *Graph) Ghosts() *GhostCache          { return g.ghosts }
func (g *Graph) Transport() cluster.Transport { return g.tr }
func (g *Graph) RetryPolicy() cluster.RetryPolicy {
	return g.retry
}

func (g *Graph) Owner(id VertexID) uint32 { return g.part.Owner(id) }
func (g *Graph) IsLocal(id VertexID) bool { return g.part.Owns(id) }

// Local returns the owned vertex with the given id.
func (g *Graph) Local(id VertexID) (*Vertex, bool) { return g.part.Vertex(id) }

// NumLocalVertices counts owned vertices.
func (g *Graph) NumLocalVertices() int { return g.part.Len() }

// AddVertex routes the vertex to its owner. Remote inserts are buffered and
// reach the owner at the latest on Flush or Finalize.
func (g *Graph) AddVertex(id VertexID, data interface{}) error {
	owner := g.Owner(id)
	if owner == g.rank {
		return g.part.AddVertex(id, data)
	}
	return g.buffer(context.Background(), owner, func(b *cluster.Batch) {
		b.Vertices = append(b.Vertices, cluster.VertexRecord{ID: id, Data: data})
	})
}

// AddEdge routes the edge to the owner of its source.
func (g *Graph) AddEdge(src, dst VertexID, data interface{}) error {
	owner := g.Owner(src)
	if owner == g.rank {
		return g.part.AddEdge(src, dst, data)
	}
	return g.buffer(context.Background(), owner, func(b *cluster.Batch) {
		b.Edges = append(b.Edges, cluster.EdgeRecord{Source: src, Target: dst, Data: data})
	})
}

func (g *Graph) buffer(ctx context.Context, owner uint32, add func(*cluster.Batch)) error {
	g.pendingMu.Lock()
	b, ok := g.pending[owner]
	if !ok {
		b = &cluster.Batch{}
		g.pending[owner] = b
	}
	add(b)
	if b.Size() < g.flushThreshold {
		g.pendingMu.Unlock()
		return nil
	}
	delete(g.pending, owner)
	g.pendingMu.Unlock()
	return g.send(ctx, owner, b)
}

// Flush sends every buffered insert to its owner, so that conflicts with
// the owner's own inserts surface before the caller's next barrier.
func (g *Graph) Flush(ctx context.Context) error {
	return g.flushPending(ctx)
}

func (g *Graph) flushPending(ctx context.Context) error {
	g.pendingMu.Lock()
	pending := g.pending
	g.pending = make(map[uint32]*cluster.Batch)
	g.pendingMu.Unlock()
	for owner, b := range pending {
		if err := g.send(ctx, owner, b); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) send(ctx context.Context, to uint32, b *cluster.Batch) error {
	return cluster.Retry(ctx, g.retry, "send", to, func() error {
		return g.tr.Send(ctx, to, b)
	})
}

// Barrier blocks until every worker has reached the same barrier. A
// non-nil err is reported to the others, and any reported failure makes
// Barrier return an error on every worker.
func (g *Graph) Barrier(ctx context.Context, err error) error {
	epoch := atomic.AddUint64(&g.epoch, 1)
	c := &cluster.Control{Kind: cluster.ControlBarrier, Epoch: epoch, Failed: err != nil}
	if err != nil {
		c.Reason = errors.Wrapf(err, "rank %d", g.rank).Error()
	}
	var reply *cluster.ControlReply
	callErr := cluster.Retry(ctx, g.barrierRetry, "barrier", 0, func() error {
		var e error
		reply, e = g.tr.Control(ctx, 0, c)
		return e
	})
	if callErr != nil {
		g.abortBarrier(errors.Wrapf(callErr, "rank %d: barrier %d", g.rank, epoch).Error())
	}
	switch {
	case err != nil:
		return err
	case callErr != nil:
		return errors.Wrap(callErr, "graph: barrier")
	case reply.Failed:
		return errors.Wrap(ErrPeerAborted, reply.Reason)
	}
	return nil
}

// Join is the first barrier of a job. It returns once every worker is
// reachable, so no routed insert is sent to a peer that is still starting.
func (g *Graph) Join(ctx context.Context) error {
	return g.Barrier(ctx, nil)
}

// abortBarrier fails the barrier everyone else is waiting in when this
// worker cannot take part.
func (g *Graph) abortBarrier(reason string) {
	if g.barrier != nil {
		g.barrier.Abort(reason)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	_, err := g.tr.Control(ctx, 0, &cluster.Control{Kind: cluster.ControlAbort, Failed: true, Reason: reason})
	if err != nil {
		g.log.Debug("barrier abort not delivered", zap.Error(err))
	}
}

// TransformVertices applies fn to every owned vertex, then brings all
// mirrors up to date. It is collective: every worker must call it.
func (g *Graph) TransformVertices(ctx context.Context, fn func(v *Vertex)) error {
	if !g.part.Finalized() {
		return g.Barrier(ctx, ErrNotFinalized)
	}
	g.part.Range(func(v *Vertex) bool {
		fn(v)
		v.Bump()
		return true
	})
	return g.Barrier(ctx, g.pushGhosts(ctx))
}

func (g *Graph) pushGhosts(ctx context.Context) error {
	out := make(map[uint32]*cluster.Batch)
	g.part.Range(func(v *Vertex) bool {
		mirrors := v.Mirrors()
		if len(mirrors) == 0 {
			return true
		}
		rec := v.GhostRecord()
		for _, m := range mirrors {
			b, ok := out[m]
			if !ok {
				b = &cluster.Batch{}
				out[m] = b
			}
			b.Ghosts = append(b.Ghosts, rec)
		}
		return true
	})
	for to, b := range out {
		if err := g.send(ctx, to, b); err != nil {
			return err
		}
	}
	return nil
}

// Vertex reads any vertex: owned vertices directly, referenced remote ones
// from the ghost cache, everything else from its owner.
func (g *Graph) Vertex(ctx context.Context, id VertexID) (Snapshot, error) {
	if v, ok := g.part.Vertex(id); ok {
		return v.Snapshot(), nil
	}
	if g.IsLocal(id) {
		return Snapshot{}, errors.Wrapf(ErrVertexNotFound, "vertex %d", id)
	}
	if s, ok := g.ghosts.Get(id); ok {
		return s, nil
	}
	resp, err := g.fetch(ctx, &cluster.FetchRequest{Kind: cluster.FetchVertex, ID: id})
	if err != nil {
		return Snapshot{}, err
	}
	s := recordSnapshot(resp.Vertex)
	g.ghosts.Apply(s)
	return s, nil
}

// Edges lists the edges of id in the given direction.
func (g *Graph) Edges(ctx context.Context, id VertexID, dir Direction) ([]Edge, error) {
	var edges []Edge
	if dir&InEdges != 0 {
		es, err := g.edges(ctx, id, cluster.FetchInEdges)
		if err != nil {
			return nil, err
		}
		edges = append(edges, es...)
	}
	if dir&OutEdges != 0 {
		es, err := g.edges(ctx, id, cluster.FetchOutEdges)
		if err != nil {
			return nil, err
		}
		edges = append(edges, es...)
	}
	return edges, nil
}

func (g *Graph) OutEdges(ctx context.Context, id VertexID) ([]Edge, error) {
	return g.edges(ctx, id, cluster.FetchOutEdges)
}

func (g *Graph) InEdges(ctx context.Context, id VertexID) ([]Edge, error) {
	return g.edges(ctx, id, cluster.FetchInEdges)
}

func (g *Graph) NumOutEdges(ctx context.Context, id VertexID) (int, error) {
	s, err := g.Vertex(ctx, id)
	return s.NumOut, err
}

func (g *Graph) NumInEdges(ctx context.Context, id VertexID) (int, error) {
	s, err := g.Vertex(ctx, id)
	return s.NumIn, err
}

func (g *Graph) edges(ctx context.Context, id VertexID, kind cluster.FetchKind) ([]Edge, error) {
	if v, ok := g.part.Vertex(id); ok {
		if kind == cluster.FetchInEdges {
			return v.InEdges(), nil
		}
		return v.OutEdges(), nil
	}
	if g.IsLocal(id) {
		return nil, errors.Wrapf(ErrVertexNotFound, "vertex %d", id)
	}
	resp, err := g.fetch(ctx, &cluster.FetchRequest{Kind: kind, ID: id})
	if err != nil {
		return nil, err
	}
	return recordEdges(resp.Edges), nil
}

func (g *Graph) fetch(ctx context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	if !g.part.Finalized() {
		return nil, ErrNotFinalized
	}
	owner := g.Owner(req.ID)
	key := strconv.Itoa(int(req.Kind)) + ":" + strconv.FormatUint(req.ID, 10)
	v, err, _ := g.fetches.Do(key, func() (interface{}, error) {
		var resp *cluster.FetchResponse
		err := cluster.Retry(ctx, g.retry, "fetch", owner, func() error {
			var e error
			resp, e = g.tr.Fetch(ctx, owner, req)
			return e
		})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*cluster.FetchResponse)
	if !resp.Found {
		return nil, errors.Wrapf(ErrVertexNotFound, "vertex %d on rank %d", req.ID, owner)
	}
	return resp, nil
}

// Attach connects a running engine. Work batches that arrived before it
// are delivered now, in arrival order.
func (g *Graph) Attach(s Sink) {
	g.sinkMu.Lock()
	defer g.sinkMu.Unlock()
	g.sink = s
	for _, b := range g.early {
		s.Deliver(b.From, b.Signals)
	}
	g.early = nil
}

func (g *Graph) Detach() {
	g.sinkMu.Lock()
	g.sink = nil
	g.sinkMu.Unlock()
}

func (g *Graph) HandleBatch(ctx context.Context, b *cluster.Batch) error {
	for _, r := range b.Vertices {
		if err := g.part.AddVertex(r.ID, r.Data); err != nil {
			return err
		}
	}
	for _, r := range b.Edges {
		if err := g.part.AddEdge(r.Source, r.Target, r.Data); err != nil {
			return err
		}
	}
	if len(b.InEdges) > 0 {
		if err := g.part.receiveInEdges(recordEdges(b.InEdges)); err != nil {
			return err
		}
	}
	for _, r := range b.Ghosts {
		g.ghosts.Apply(recordSnapshot(r))
	}
	if !b.Work {
		return nil
	}

	g.sinkMu.Lock()
	defer g.sinkMu.Unlock()
	if g.sink == nil {
		g.early = append(g.early, b)
		return nil
	}
	g.sink.Deliver(b.From, b.Signals)
	return nil
}

func (g *Graph) HandleFetch(ctx context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	v, ok := g.part.Vertex(req.ID)
	if !ok || !g.part.Finalized() {
		return &cluster.FetchResponse{}, nil
	}
	resp := &cluster.FetchResponse{Found: true, Vertex: v.GhostRecord()}
	switch req.Kind {
	case cluster.FetchOutEdges:
		resp.Edges = edgeRecords(v.OutEdges())
	case cluster.FetchInEdges:
		resp.Edges = edgeRecords(v.InEdges())
	}
	return resp, nil
}

func (g *Graph) HandleProbe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeReply, error) {
	g.sinkMu.Lock()
	s := g.sink
	g.sinkMu.Unlock()
	if s == nil {
		return &cluster.ProbeReply{Rank: g.rank, Wave: req.Wave}, nil
	}
	return s.Probe(req), nil
}

func (g *Graph) HandleControl(ctx context.Context, c *cluster.Control) (*cluster.ControlReply, error) {
	if c.Kind == cluster.ControlBarrier {
		if g.barrier == nil {
			return nil, errors.Errorf("graph: rank %d does not host barriers", g.rank)
		}
		return g.barrier.Arrive(ctx, c)
	}
	if c.Kind == cluster.ControlAbort && g.barrier != nil {
		g.barrier.Abort(c.Reason)
	}
	g.sinkMu.Lock()
	s := g.sink
	g.sinkMu.Unlock()
	if s == nil {
		if c.Kind == cluster.ControlAbort {
			return &cluster.ControlReply{}, nil
		}
		g.log.Warn("control message without a running engine", zap.Stringer("kind", c.Kind), zap.Uint32("from", c.From))
		return &cluster.ControlReply{}, nil
	}
	if err := s.Control(c); err != nil {
		return &cluster.ControlReply{Failed: true, Reason: err.Error()}, nil
	}
	return &cluster.ControlReply{}, nil
}
