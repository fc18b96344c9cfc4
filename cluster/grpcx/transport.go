// Package grpcx carries cluster traffic between worker processes over
// gRPC.
package grpcx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"warpgraph/cluster"
)

const (
	maxMsgSize = 256 << 20
	stopGrace  = 5 * time.Second
	// redialMax caps reconnect backoff so a peer that starts late is
	// reached soon after it listens.
	redialMax  = time.Second
	connectMin = 20 * time.Second
)

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithCompression compresses outgoing calls with s2.
func WithCompression() Option {
	return func(t *Transport) {
		t.callOpts = append(t.callOpts, grpc.UseCompressor(CompressorName))
	}
}

// Transport is a cluster.Transport whose peers are reached at fixed
// addresses, indexed by rank. Connections are dialled lazily.
type Transport struct {
	rank     uint32
	addrs    []string
	log      *zap.Logger
	server   *grpc.Server
	callOpts []grpc.CallOption

	mu      sync.RWMutex
	handler cluster.Handler
	conns   map[uint32]*grpc.ClientConn
	closed  bool
}

var _ cluster.Transport = (*Transport)(nil)

func New(rank uint32, addrs []string, opts ...Option) (*Transport, error) {
	if int(rank) >= len(addrs) {
		return nil, errors.Wrapf(cluster.ErrUnknownRank, "rank %d of %d", rank, len(addrs))
	}
	t := &Transport{
		rank:     rank,
		addrs:    append([]string(nil), addrs...),
		log:      zap.NewNop(),
		conns:    make(map[uint32]*grpc.ClientConn),
		callOpts: []grpc.CallOption{grpc.CallContentSubtype(CodecName), grpc.MaxCallRecvMsgSize(maxMsgSize), grpc.MaxCallSendMsgSize(maxMsgSize)},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(t.logErrors),
	)
	t.server.RegisterService(&serviceDesc, service{t})
	return t, nil
}

func (t *Transport) Rank() uint32 { return t.rank }
func (t *Transport) Size() uint32 { return uint32(len(t.addrs)) }

// Server exposes the gRPC server so other front ends (grpc-web) can share
// it.
func (t *Transport) Server() *grpc.Server { return t.server }

func (t *Transport) Register(h cluster.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Listen binds the address of this rank and serves in the background.
func (t *Transport) Listen() (net.Addr, error) {
	lis, err := net.Listen("tcp", t.addrs[t.rank])
	if err != nil {
		return nil, errors.Wrapf(err, "grpcx: listen %s", t.addrs[t.rank])
	}
	t.Start(lis)
	return lis.Addr(), nil
}

// Start serves on lis in the background.
func (t *Transport) Start(lis net.Listener) {
	t.log.Info("worker service listening", zap.Uint32("rank", t.rank), zap.String("addr", lis.Addr().String()))
	go func() {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.log.Error("worker service stopped", zap.Error(err))
		}
	}()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	t.stop()
	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// stop lets in-flight calls, such as barrier replies, finish before the
// server goes away.
func (t *Transport) stop() {
	done := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		t.server.Stop()
	}
}

func (t *Transport) local() (cluster.Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, cluster.ErrClosed
	}
	if t.handler == nil {
		return nil, cluster.Transient(cluster.ErrNoHandler)
	}
	return t.handler, nil
}

func (t *Transport) conn(to uint32) (*grpc.ClientConn, error) {
	if to >= t.Size() {
		return nil, errors.Wrapf(cluster.ErrUnknownRank, "rank %d of %d", to, t.Size())
	}
	t.mu.RLock()
	c, ok := t.conns[to]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, cluster.ErrClosed
	}
	if ok {
		return c, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, cluster.ErrClosed
	}
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	redial := backoff.DefaultConfig
	redial.MaxDelay = redialMax
	c, err := grpc.Dial(t.addrs[to],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: redial, MinConnectTimeout: connectMin}))
	if err != nil {
		return nil, errors.Wrapf(err, "grpcx: dial rank %d at %s", to, t.addrs[to])
	}
	t.conns[to] = c
	return c, nil
}

func (t *Transport) invoke(ctx context.Context, to uint32, method string, in, out interface{}) error {
	c, err := t.conn(to)
	if err != nil {
		return err
	}
	return classify(c.Invoke(ctx, fullMethod(method), in, out, t.callOpts...))
}

// classify marks calls that never reached a handler as transient. Other
// failures are not retried, so a batch is never delivered twice.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return cluster.Transient(err)
	}
	return err
}

func (t *Transport) Send(ctx context.Context, to uint32, b *cluster.Batch) error {
	b.From = t.rank
	if to == t.rank {
		h, err := t.local()
		if err != nil {
			return err
		}
		return h.HandleBatch(ctx, b)
	}
	return t.invoke(ctx, to, "Batch", b, new(cluster.Ack))
}

func (t *Transport) Fetch(ctx context.Context, to uint32, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	if to == t.rank {
		h, err := t.local()
		if err != nil {
			return nil, err
		}
		return h.HandleFetch(ctx, req)
	}
	out := new(cluster.FetchResponse)
	if err := t.invoke(ctx, to, "Fetch", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Probe(ctx context.Context, to uint32, req *cluster.ProbeRequest) (*cluster.ProbeReply, error) {
	if to == t.rank {
		h, err := t.local()
		if err != nil {
			return nil, err
		}
		return h.HandleProbe(ctx, req)
	}
	out := new(cluster.ProbeReply)
	if err := t.invoke(ctx, to, "Probe", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) Control(ctx context.Context, to uint32, c *cluster.Control) (*cluster.ControlReply, error) {
	c.From = t.rank
	if to == t.rank {
		h, err := t.local()
		if err != nil {
			return nil, err
		}
		return h.HandleControl(ctx, c)
	}
	out := new(cluster.ControlReply)
	if err := t.invoke(ctx, to, "Control", c, out); err != nil {
		return nil, err
	}
	return out, nil
}

// service answers remote calls with the registered handler.
type service struct {
	t *Transport
}

func (s service) handler() (cluster.Handler, error) {
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	if s.t.handler == nil {
		return nil, errNotReady
	}
	return s.t.handler, nil
}

func (s service) Batch(ctx context.Context, b *cluster.Batch) (*cluster.Ack, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	if err := h.HandleBatch(ctx, b); err != nil {
		return nil, err
	}
	return &cluster.Ack{OK: true}, nil
}

func (s service) Fetch(ctx context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleFetch(ctx, req)
}

func (s service) Probe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeReply, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleProbe(ctx, req)
}

func (s service) Control(ctx context.Context, c *cluster.Control) (*cluster.ControlReply, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleControl(ctx, c)
}

func (t *Transport) logErrors(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
	resp, err := next(ctx, req)
	if err != nil && status.Code(err) != codes.Unavailable {
		t.log.Debug("worker call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}
