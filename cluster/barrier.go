package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Barrier is hosted by rank 0. Each epoch completes once every worker has
// arrived; the reply tells all of them whether anyone arrived failed. An
// epoch that is not complete within the timeout fails, as does every epoch
// after Abort.
type Barrier struct {
	size    int
	timeout time.Duration

	mu      sync.Mutex
	epochs  map[uint64]*barrierEpoch
	aborted []string
}

type barrierEpoch struct {
	arrived  map[uint32]bool
	departed map[uint32]bool
	failed   bool
	reasons  []string
	closed   bool
	done     chan struct{}
	timer    *time.Timer
}

// NewBarrier hosts barriers for size workers. A timeout of zero lets an
// epoch wait forever.
func NewBarrier(size int, timeout time.Duration) *Barrier {
	return &Barrier{size: size, timeout: timeout, epochs: make(map[uint64]*barrierEpoch)}
}

func (b *Barrier) Arrive(ctx context.Context, c *Control) (*ControlReply, error) {
	b.mu.Lock()
	e, ok := b.epochs[c.Epoch]
	if !ok {
		e = &barrierEpoch{
			arrived:  make(map[uint32]bool),
			departed: make(map[uint32]bool),
			done:     make(chan struct{}),
		}
		b.epochs[c.Epoch] = e
		if len(b.aborted) > 0 {
			e.fail(b.aborted...)
		} else if b.timeout > 0 {
			epoch := c.Epoch
			e.timer = time.AfterFunc(b.timeout, func() { b.expire(epoch) })
		}
	}
	// a retried arrival only waits again
	e.arrived[c.From] = true
	if c.Failed {
		e.failed = true
		if c.Reason != "" {
			e.reasons = append(e.reasons, c.Reason)
		}
	}
	if len(e.arrived) == b.size && !e.closed {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.closed = true
		close(e.done)
	}
	b.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	e.departed[c.From] = true
	// Epochs that expired keep answering late arrivals.
	if len(e.departed) == b.size {
		delete(b.epochs, c.Epoch)
	}
	return &ControlReply{Failed: e.failed, Reason: strings.Join(e.reasons, "; ")}, nil
}

// Abort fails every open epoch and every later one.
func (b *Barrier) Abort(reason string) {
	if reason == "" {
		reason = "barrier aborted"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = append(b.aborted, reason)
	for _, e := range b.epochs {
		if !e.closed {
			e.fail(reason)
		}
	}
}

func (b *Barrier) expire(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.epochs[epoch]
	if !ok || e.closed {
		return
	}
	var missing []string
	for r := 0; r < b.size; r++ {
		if !e.arrived[uint32(r)] {
			missing = append(missing, fmt.Sprint(r))
		}
	}
	e.fail(fmt.Sprintf("barrier %d: %d of %d workers arrived within %s, missing ranks %s",
		epoch, len(e.arrived), b.size, b.timeout, strings.Join(missing, ",")))
}

// fail releases the epoch's waiters with a failed reply. The caller holds
// the barrier lock.
func (e *barrierEpoch) fail(reasons ...string) {
	e.failed = true
	e.reasons = append(e.reasons, reasons...)
	if e.timer != nil {
		e.timer.Stop()
	}
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}
