package warp

import (
	"sync"

	"warpgraph/graph"
)

type vertexState uint8

const (
	stateIdle vertexState = iota
	stateQueued
	stateRunning
	// running with a signal that arrived after the update began
	stateRunningPending
)

// SignalQueue is the FIFO of vertices waiting for evaluation. A vertex is
// queued at most once; a signal that arrives while it runs schedules exactly
// one more evaluation.
type SignalQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []graph.VertexID
	head    int
	states  map[graph.VertexID]vertexState
	running int
	closed  bool

	// evaluation cap per vertex, 0 for none
	limit   uint64
	evals   map[graph.VertexID]uint64
	dropped uint64
}

func NewSignalQueue(limit uint64) *SignalQueue {
	q := &SignalQueue{
		states: make(map[graph.VertexID]vertexState),
		limit:  limit,
	}
	if limit > 0 {
		q.evals = make(map[graph.VertexID]uint64)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SignalResult says what became of one signal.
type SignalResult uint8

const (
	SignalScheduled SignalResult = iota
	// SignalPending means the vertex was waiting or already owed a rerun.
	SignalPending
	// SignalDropped means the vertex has used up its evaluations.
	SignalDropped
	SignalClosed
)

// Signal schedules id. It reports whether the signal added work; signals to
// a vertex that is already queued, or has used up its evaluations, do not.
func (q *SignalQueue) Signal(id graph.VertexID) bool {
	return q.Offer(id) == SignalScheduled
}

// Offer is Signal with the reason a signal added no work.
func (q *SignalQueue) Offer(id graph.VertexID) SignalResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return SignalClosed
	}
	if q.limit > 0 && q.evals[id] >= q.limit {
		q.dropped++
		return SignalDropped
	}
	switch q.states[id] {
	case stateIdle:
		q.push(id)
		return SignalScheduled
	case stateRunning:
		q.states[id] = stateRunningPending
		return SignalScheduled
	}
	return SignalPending
}

func (q *SignalQueue) push(id graph.VertexID) {
	q.items = append(q.items, id)
	q.states[id] = stateQueued
	q.cond.Signal()
}

func (q *SignalQueue) pop() graph.VertexID {
	id := q.items[q.head]
	q.head++
	if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	q.states[id] = stateRunning
	q.running++
	if q.limit > 0 {
		q.evals[id]++
	}
	return id
}

// Take blocks until a vertex is available and marks it running. It returns
// false once the queue is closed.
func (q *SignalQueue) Take() (graph.VertexID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return 0, false
	}
	return q.pop(), true
}

// TryTake is Take without blocking.
func (q *SignalQueue) TryTake() (graph.VertexID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.head == len(q.items) {
		return 0, false
	}
	return q.pop(), true
}

// Done ends the evaluation of id. It reports whether id went straight back
// into the queue because it was signalled meanwhile.
func (q *SignalQueue) Done(id graph.VertexID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--
	if q.states[id] == stateRunningPending && !q.closed &&
		(q.limit == 0 || q.evals[id] < q.limit) {
		q.push(id)
		return true
	}
	delete(q.states, id)
	return false
}

func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *SignalQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Idle reports that nothing is queued and nothing runs.
func (q *SignalQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == len(q.items) && q.running == 0
}

func (q *SignalQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes every blocked Take. Queued vertices are discarded.
func (q *SignalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
