package apps

import (
	"context"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warpgraph/graph"
	"warpgraph/summary"
)

const float64EqualityThreshold = 1e-8

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= float64EqualityThreshold
}

type testEdge struct{ src, dst graph.VertexID }

// testContext answers reads from one sealed partition and records signals.
type testContext struct {
	p        *graph.Partition
	signaled []graph.VertexID
}

func createTestGraph(t *testing.T, data map[graph.VertexID]interface{}, edges ...testEdge) *testContext {
	t.Helper()
	p := graph.NewPartition(0, 1)
	for id, d := range data {
		require.NoError(t, p.AddVertex(id, d))
	}
	for _, e := range edges {
		require.NoError(t, p.AddEdge(e.src, e.dst, nil))
	}
	require.NoError(t, p.Finalize())
	return &testContext{p: p}
}

func (c *testContext) vertex(id graph.VertexID) *graph.Vertex {
	v, _ := c.p.Vertex(id)
	return v
}

func (c *testContext) Signal(id graph.VertexID) { c.signaled = append(c.signaled, id) }

func (c *testContext) Vertex(id graph.VertexID) (graph.Snapshot, error) {
	v, ok := c.p.Vertex(id)
	if !ok {
		return graph.Snapshot{}, graph.ErrVertexNotFound
	}
	return v.Snapshot(), nil
}

func (c *testContext) Edges(id graph.VertexID, dir graph.Direction) ([]graph.Edge, error) {
	var es []graph.Edge
	if dir&graph.InEdges != 0 {
		es = append(es, c.p.InEdges(id)...)
	}
	if dir&graph.OutEdges != 0 {
		es = append(es, c.p.OutEdges(id)...)
	}
	return es, nil
}

func (c *testContext) Rank() uint32             { return 0 }
func (c *testContext) Context() context.Context { return context.Background() }
func (c *testContext) Output() io.Writer        { return io.Discard }
func (c *testContext) Logger() *zap.Logger      { return zap.NewNop() }

func TestComputePageRankOneNeighbor(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 1.0, 2: 0.5, 5: 1.0},
		testEdge{2, 1}, testEdge{1, 5})
	require.NoError(t, PageRank(DefaultTolerance)(c, c.vertex(1)))

	assert.True(t, almostEqual(0.575, c.vertex(1).Data().(float64)))
	assert.Equal(t, []graph.VertexID{5}, c.signaled)
}

func TestComputePageRankSplitsOverOutDegree(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 1.0, 2: 1.0, 3: 0.4, 4: 1.0},
		testEdge{2, 1}, testEdge{2, 4}, testEdge{3, 1})
	require.NoError(t, PageRank(DefaultTolerance)(c, c.vertex(1)))

	want := ResetProb + Damping*(1.0/2+0.4)
	assert.True(t, almostEqual(want, c.vertex(1).Data().(float64)))
	assert.Empty(t, c.signaled, "vertex 1 has no out-edges")
}

func TestComputePageRankNoResendIfWithinTolerance(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 0.995, 2: 1.0, 3: 1.0},
		testEdge{2, 1}, testEdge{1, 3})
	require.NoError(t, PageRank(DefaultTolerance)(c, c.vertex(1)))
	assert.True(t, almostEqual(1.0, c.vertex(1).Data().(float64)))
	assert.Empty(t, c.signaled)
}

func TestComputePageRankZeroOutDegreeNeighbor(t *testing.T) {
	snap := graph.Snapshot{ID: 9, Data: 3.0}
	assert.Equal(t, 0.0, contribution(graph.Edge{}, snap))
	assert.False(t, math.IsNaN(contribution(graph.Edge{}, snap)))
	assert.Equal(t, 1.5, contribution(graph.Edge{}, graph.Snapshot{Data: 3.0, NumOut: 2}))
}

func TestComputePageRankTwoCycleIsFixedPoint(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 1.0, 2: 1.0},
		testEdge{1, 2}, testEdge{2, 1})
	update := PageRank(DefaultTolerance)
	require.NoError(t, update(c, c.vertex(1)))
	require.NoError(t, update(c, c.vertex(2)))
	assert.Equal(t, c.vertex(1).Data(), c.vertex(2).Data())
	assert.Empty(t, c.signaled)

	w := PageRankWriter{}
	assert.Equal(t, "1\t1\n", w.SaveVertex(c.vertex(1)))
	assert.Equal(t, "", w.SaveEdge(graph.Edge{Source: 1, Target: 2}))
}

func TestComputeShortestPathShouldUpdate(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 10.0, 2: 2.0, 3: 7.0, 5: math.Inf(1), 6: math.Inf(1)},
		testEdge{2, 1}, testEdge{3, 1}, testEdge{1, 5}, testEdge{1, 6})
	require.NoError(t, ShortestPath(c, c.vertex(1)))
	assert.Equal(t, 3.0, c.vertex(1).Data())
	assert.Equal(t, []graph.VertexID{5, 6}, c.signaled)
}

func TestComputeShortestPathNoUpdate(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: 2.0, 2: 12.0, 5: math.Inf(1)},
		testEdge{2, 1}, testEdge{1, 5})
	require.NoError(t, ShortestPath(c, c.vertex(1)))
	assert.Equal(t, 2.0, c.vertex(1).Data())
	assert.Empty(t, c.signaled)
}

func TestShortestPathInitAndWriter(t *testing.T) {
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: nil, 2: nil})
	initDist := ShortestPathInit(2)
	initDist(c.vertex(1))
	initDist(c.vertex(2))
	w := DistanceWriter{}
	assert.Equal(t, "1\tinf\n", w.SaveVertex(c.vertex(1)))
	assert.Equal(t, "2\t0\n", w.SaveVertex(c.vertex(2)))
}

func TestCallRankWeightsTeleportBySummary(t *testing.T) {
	table, err := summary.NewTable([]summary.Summary{{Name: "main", Instructions: 100}})
	require.NoError(t, err)
	c := createTestGraph(t, map[graph.VertexID]interface{}{1: "main", 2: nil}, testEdge{2, 1})
	CallRankInit(c.vertex(1))
	CallRankInit(c.vertex(2))
	assert.Equal(t, Label{Name: "main", Score: 1}, c.vertex(1).Data())
	assert.Equal(t, Label{Name: "0x2", Score: 1}, c.vertex(2).Data())

	require.NoError(t, CallRank(table, DefaultTolerance)(c, c.vertex(1)))
	label := c.vertex(1).Data().(Label)
	assert.True(t, almostEqual(ResetProb*table.Weight("main")+Damping*1.0, label.Score))
	assert.Equal(t, "main", label.Name)

	assert.Equal(t, "1\tmain\t"+fmtV(label.Score)+"\n", LabelWriter{}.SaveVertex(c.vertex(1)))
}

func TestNewKnowsEveryApp(t *testing.T) {
	for _, name := range Names() {
		app, err := New(name, Config{})
		require.NoError(t, err)
		assert.Equal(t, name, app.Name)
		assert.NotNil(t, app.Update)
	}
	_, err := New("nope", Config{})
	assert.ErrorIs(t, err, ErrUnknownApp)
}

func fmtV(f float64) string { return fmt.Sprintf("%v", f) }
