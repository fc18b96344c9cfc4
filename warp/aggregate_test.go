package warp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/graph"
)

func TestMapReduceZeroNeighborsReturnsIdentity(t *testing.T) {
	c := newMockContext(t, map[graph.VertexID]interface{}{1: 1.0}, nil)
	got, err := MapReduceNeighborhood(c, c.vertex(1), graph.AllEdges,
		func(graph.Edge, graph.Snapshot) int { return 1 },
		func(a, b int) int { return a + b }, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestMapReduceDirections(t *testing.T) {
	c := newMockContext(t,
		map[graph.VertexID]interface{}{1: 1.0, 2: 2.0, 3: 4.0, 4: 8.0},
		[]edge{{2, 1}, {3, 1}, {1, 4}})
	value := func(_ graph.Edge, s graph.Snapshot) float64 { return s.Float() }

	in, err := SumNeighborhood(c, c.vertex(1), graph.InEdges, value)
	require.NoError(t, err)
	assert.Equal(t, 6.0, in)

	out, err := SumNeighborhood(c, c.vertex(1), graph.OutEdges, value)
	require.NoError(t, err)
	assert.Equal(t, 8.0, out)

	all, err := SumNeighborhood(c, c.vertex(1), graph.AllEdges, value)
	require.NoError(t, err)
	assert.Equal(t, 14.0, all)

	largest, err := MapReduceNeighborhood(c, c.vertex(1), graph.AllEdges, value,
		func(a, b float64) float64 {
			if b > a {
				return b
			}
			return a
		}, 0)
	require.NoError(t, err)
	assert.Equal(t, 8.0, largest)
}

func TestBroadcastSignalsNeighbors(t *testing.T) {
	c := newMockContext(t,
		map[graph.VertexID]interface{}{1: nil, 2: nil, 3: nil},
		[]edge{{1, 2}, {1, 3}, {3, 1}})
	require.NoError(t, BroadcastNeighborhood(c, c.vertex(1), graph.OutEdges, SignalNeighbor))
	assert.Equal(t, []graph.VertexID{2, 3}, c.signaled)

	c.signaled = nil
	require.NoError(t, BroadcastNeighborhood(c, c.vertex(1), graph.InEdges, SignalNeighbor))
	assert.Equal(t, []graph.VertexID{3}, c.signaled)
}
