package warp

import (
	"sync"

	"warpgraph/cluster"
	"warpgraph/graph"
)

// outbox collects remote signals and ghost updates per peer until the
// flusher ships them. A batch counts as sent the moment it leaves the
// outbox, and stays in flight until the transport call returns.
type outbox struct {
	batchSize int

	mu       sync.Mutex
	batches  map[uint32]*cluster.Batch
	pending  int
	inflight int
	sent     uint64

	kick chan struct{}
}

func newOutbox(batchSize int) *outbox {
	return &outbox{
		batchSize: batchSize,
		batches:   make(map[uint32]*cluster.Batch),
		kick:      make(chan struct{}, 1),
	}
}

func (o *outbox) batch(to uint32) *cluster.Batch {
	b, ok := o.batches[to]
	if !ok {
		b = &cluster.Batch{Work: true}
		o.batches[to] = b
	}
	return b
}

// add queues the ghost update and remote signals produced by one committed
// update, so that a receiver sees the new value before the signals.
func (o *outbox) add(ghost *cluster.GhostRecord, mirrors []uint32, signals map[uint32][]graph.VertexID) {
	if ghost == nil && len(signals) == 0 {
		return
	}
	full := false
	o.mu.Lock()
	if ghost != nil {
		for _, m := range mirrors {
			b := o.batch(m)
			b.Ghosts = append(b.Ghosts, *ghost)
			o.pending++
			full = full || b.Size() >= o.batchSize
		}
	}
	for to, ids := range signals {
		b := o.batch(to)
		b.Signals = append(b.Signals, ids...)
		o.pending += len(ids)
		full = full || b.Size() >= o.batchSize
	}
	o.mu.Unlock()
	if full {
		o.notify()
	}
}

func (o *outbox) notify() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

type outgoing struct {
	to    uint32
	batch *cluster.Batch
}

// take empties the outbox and moves its batches in flight.
func (o *outbox) take() []outgoing {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == 0 {
		return nil
	}
	out := make([]outgoing, 0, len(o.batches))
	for to, b := range o.batches {
		out = append(out, outgoing{to: to, batch: b})
	}
	o.batches = make(map[uint32]*cluster.Batch)
	o.pending = 0
	o.inflight += len(out)
	o.sent += uint64(len(out))
	return out
}

func (o *outbox) delivered() {
	o.mu.Lock()
	o.inflight--
	o.mu.Unlock()
}

// quiet reports that nothing is buffered or in flight, together with the
// number of batches sent so far.
func (o *outbox) quiet() (bool, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending == 0 && o.inflight == 0, o.sent
}
