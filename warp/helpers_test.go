package warp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warpgraph/cluster"
	"warpgraph/graph"
)

type edge struct{ src, dst graph.VertexID }

// buildCluster loads vertices 1..n and the given edges into a cluster of
// size workers and finalizes it.
func buildCluster(t *testing.T, workers, n int, edges []edge, init func(graph.VertexID) interface{}, opts ...cluster.LocalOption) []*graph.Graph {
	t.Helper()
	members := cluster.NewLocalCluster(workers, opts...)
	graphs := make([]*graph.Graph, workers)
	for i, m := range members {
		graphs[i] = graph.New(m, graph.WithRetryPolicy(cluster.RetryPolicy{MaxRetries: 20, InitialInterval: time.Millisecond}))
	}
	errs := runAll(graphs, func(g *graph.Graph) error {
		for id := 1; id <= n; id++ {
			if uint32(id)%g.Size() == g.Rank() {
				if err := g.AddVertex(graph.VertexID(id), init(graph.VertexID(id))); err != nil {
					return err
				}
			}
		}
		for i, e := range edges {
			if uint32(i)%g.Size() == g.Rank() {
				if err := g.AddEdge(e.src, e.dst, nil); err != nil {
					return err
				}
			}
		}
		return g.Finalize(context.Background())
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	return graphs
}

func runAll(graphs []*graph.Graph, fn func(g *graph.Graph) error) []error {
	errs := make([]error, len(graphs))
	var wg sync.WaitGroup
	for i, g := range graphs {
		wg.Add(1)
		go func(i int, g *graph.Graph) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	return errs
}

// runEngines starts one engine per graph and waits for all of them.
func runEngines(graphs []*graph.Graph, update UpdateFunc, opts ...Option) ([]Stats, []error) {
	stats := make([]Stats, len(graphs))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errs := runAll(graphs, func(g *graph.Graph) error {
		e := New(g, update, append([]Option{WithThreads(3), WithProbeInterval(time.Millisecond), WithFlushInterval(time.Millisecond)}, opts...)...)
		e.SignalAll()
		s, err := e.Start(ctx)
		stats[g.Rank()] = s
		return err
	})
	return stats, errs
}

func collect(graphs []*graph.Graph) map[graph.VertexID]interface{} {
	out := make(map[graph.VertexID]interface{})
	for _, g := range graphs {
		g.Partition().Range(func(v *graph.Vertex) bool {
			out[v.ID()] = v.Data()
			return true
		})
	}
	return out
}

// mockContext serves reads from a single sealed partition.
type mockContext struct {
	p        *graph.Partition
	signaled []graph.VertexID
}

func newMockContext(t *testing.T, vertices map[graph.VertexID]interface{}, edges []edge) *mockContext {
	t.Helper()
	p := graph.NewPartition(0, 1)
	for id, data := range vertices {
		require.NoError(t, p.AddVertex(id, data))
	}
	for _, e := range edges {
		require.NoError(t, p.AddEdge(e.src, e.dst, nil))
	}
	require.NoError(t, p.Finalize())
	return &mockContext{p: p}
}

func (m *mockContext) vertex(id graph.VertexID) *graph.Vertex {
	v, _ := m.p.Vertex(id)
	return v
}

func (m *mockContext) Signal(id graph.VertexID) { m.signaled = append(m.signaled, id) }

func (m *mockContext) Vertex(id graph.VertexID) (graph.Snapshot, error) {
	v, ok := m.p.Vertex(id)
	if !ok {
		return graph.Snapshot{}, graph.ErrVertexNotFound
	}
	return v.Snapshot(), nil
}

func (m *mockContext) Edges(id graph.VertexID, dir graph.Direction) ([]graph.Edge, error) {
	var es []graph.Edge
	if dir&graph.InEdges != 0 {
		es = append(es, m.p.InEdges(id)...)
	}
	if dir&graph.OutEdges != 0 {
		es = append(es, m.p.OutEdges(id)...)
	}
	return es, nil
}

func (m *mockContext) Rank() uint32             { return 0 }
func (m *mockContext) Context() context.Context { return context.Background() }
func (m *mockContext) Output() io.Writer        { return io.Discard }
func (m *mockContext) Logger() *zap.Logger      { return zap.NewNop() }
