package warp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/graph"
)

func TestSignalIsIdempotentWhileQueued(t *testing.T) {
	q := NewSignalQueue(0)
	assert.True(t, q.Signal(1))
	assert.False(t, q.Signal(1))
	assert.Equal(t, 1, q.Len())

	id, ok := q.TryTake()
	require.True(t, ok)
	assert.Equal(t, graph.VertexID(1), id)
	_, ok = q.TryTake()
	assert.False(t, ok)
	assert.False(t, q.Done(1))
	assert.True(t, q.Idle())
}

func TestSignalDuringUpdateRequeuesOnce(t *testing.T) {
	q := NewSignalQueue(0)
	q.Signal(7)
	id, _ := q.TryTake()
	assert.False(t, q.Idle())

	assert.True(t, q.Signal(id))
	assert.False(t, q.Signal(id))
	assert.Equal(t, 0, q.Len(), "a running vertex is not queued twice")

	assert.True(t, q.Done(id))
	assert.Equal(t, 1, q.Len())
	id, ok := q.TryTake()
	require.True(t, ok)
	assert.Equal(t, graph.VertexID(7), id)
	assert.False(t, q.Done(id))
	assert.True(t, q.Idle())
}

func TestSignalQueueFIFO(t *testing.T) {
	q := NewSignalQueue(0)
	for _, id := range []graph.VertexID{3, 1, 2} {
		q.Signal(id)
	}
	var got []graph.VertexID
	for {
		id, ok := q.TryTake()
		if !ok {
			break
		}
		got = append(got, id)
		q.Done(id)
	}
	assert.Equal(t, []graph.VertexID{3, 1, 2}, got)
}

func TestSignalQueueEvaluationCap(t *testing.T) {
	q := NewSignalQueue(2)
	for i := 0; i < 2; i++ {
		require.True(t, q.Signal(5))
		id, _ := q.TryTake()
		q.Done(id)
	}
	assert.False(t, q.Signal(5))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.True(t, q.Idle())
}

func TestSignalQueueCapWhileRunning(t *testing.T) {
	q := NewSignalQueue(1)
	q.Signal(5)
	id, _ := q.TryTake()
	assert.False(t, q.Signal(5), "cap already reached by the running evaluation")
	assert.False(t, q.Done(id))
}

func TestTakeBlocksUntilSignalOrClose(t *testing.T) {
	q := NewSignalQueue(0)
	got := make(chan graph.VertexID, 1)
	go func() {
		id, ok := q.Take()
		if ok {
			got <- id
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Signal(9)
	assert.Equal(t, graph.VertexID(9), <-got)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Take()
			assert.False(t, ok)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	assert.False(t, q.Signal(1))
}

func TestSignalQueueOfferReportsWhy(t *testing.T) {
	q := NewSignalQueue(2)
	assert.Equal(t, SignalScheduled, q.Offer(4))
	assert.Equal(t, SignalPending, q.Offer(4))
	id, _ := q.TryTake()
	assert.Equal(t, SignalScheduled, q.Offer(4), "running vertex owes a rerun")
	assert.Equal(t, SignalPending, q.Offer(4))
	assert.Equal(t, uint64(0), q.Dropped(), "redundant signals are not drops")

	require.True(t, q.Done(id))
	id, _ = q.TryTake()
	assert.Equal(t, SignalDropped, q.Offer(4))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.False(t, q.Done(id))

	q.Close()
	assert.Equal(t, SignalClosed, q.Offer(9))
}
