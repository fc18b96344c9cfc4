package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Local is an in-process transport. All members of one cluster share a hub
// and call each other's handlers directly, optionally after a random delay
// that lets later batches overtake earlier ones.
type Local struct {
	rank uint32
	hub  *hub
}

type hub struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   []bool

	minDelay, maxDelay time.Duration
	rngMu              sync.Mutex
	rng                *rand.Rand
}

type LocalOption func(*hub)

// WithDelay delays every remote call by a uniform random duration in
// [min, max].
func WithDelay(min, max time.Duration) LocalOption {
	return func(h *hub) {
		if max < min {
			max = min
		}
		h.minDelay, h.maxDelay = min, max
	}
}

func WithSeed(seed int64) LocalOption {
	return func(h *hub) { h.rng = rand.New(rand.NewSource(seed)) }
}

// NewLocalCluster returns n connected transports indexed by rank.
func NewLocalCluster(n int, opts ...LocalOption) []*Local {
	h := &hub{
		handlers: make([]Handler, n),
		closed:   make([]bool, n),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(h)
	}
	members := make([]*Local, n)
	for i := range members {
		members[i] = &Local{rank: uint32(i), hub: h}
	}
	return members
}

func (l *Local) Rank() uint32 { return l.rank }
func (l *Local) Size() uint32 { return uint32(len(l.hub.handlers)) }

func (l *Local) Register(h Handler) {
	l.hub.mu.Lock()
	l.hub.handlers[l.rank] = h
	l.hub.mu.Unlock()
}

func (l *Local) Close() error {
	l.hub.mu.Lock()
	l.hub.closed[l.rank] = true
	l.hub.mu.Unlock()
	return nil
}

func (l *Local) target(ctx context.Context, to uint32) (Handler, error) {
	if err := checkRank(to, l.Size()); err != nil {
		return nil, err
	}
	if to != l.rank {
		if err := l.hub.delay(ctx); err != nil {
			return nil, err
		}
	}
	l.hub.mu.RLock()
	defer l.hub.mu.RUnlock()
	if l.hub.closed[l.rank] {
		return nil, ErrClosed
	}
	if l.hub.closed[to] {
		return nil, Transient(ErrClosed)
	}
	h := l.hub.handlers[to]
	if h == nil {
		return nil, Transient(ErrNoHandler)
	}
	return h, nil
}

func (h *hub) delay(ctx context.Context) error {
	if h.maxDelay <= 0 {
		return nil
	}
	d := h.minDelay
	if span := h.maxDelay - h.minDelay; span > 0 {
		h.rngMu.Lock()
		d += time.Duration(h.rng.Int63n(int64(span)))
		h.rngMu.Unlock()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Send(ctx context.Context, to uint32, b *Batch) error {
	h, err := l.target(ctx, to)
	if err != nil {
		return err
	}
	b.From = l.rank
	return h.HandleBatch(ctx, b)
}

func (l *Local) Fetch(ctx context.Context, to uint32, req *FetchRequest) (*FetchResponse, error) {
	h, err := l.target(ctx, to)
	if err != nil {
		return nil, err
	}
	return h.HandleFetch(ctx, req)
}

func (l *Local) Probe(ctx context.Context, to uint32, req *ProbeRequest) (*ProbeReply, error) {
	h, err := l.target(ctx, to)
	if err != nil {
		return nil, err
	}
	return h.HandleProbe(ctx, req)
}

func (l *Local) Control(ctx context.Context, to uint32, c *Control) (*ControlReply, error) {
	h, err := l.target(ctx, to)
	if err != nil {
		return nil, err
	}
	c.From = l.rank
	return h.HandleControl(ctx, c)
}
