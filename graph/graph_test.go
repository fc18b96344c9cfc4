package graph

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/cluster"
)

type testEdge struct{ src, dst VertexID }

// ring plus chords over ids 1..n
func testEdges(n int) []testEdge {
	var es []testEdge
	for i := 1; i <= n; i++ {
		es = append(es, testEdge{VertexID(i), VertexID(i%n + 1)})
		if i%3 == 0 {
			es = append(es, testEdge{VertexID(i), VertexID((i+n/2)%n + 1)})
		}
	}
	return es
}

func newCluster(t *testing.T, n int, opts ...cluster.LocalOption) []*Graph {
	members := cluster.NewLocalCluster(n, opts...)
	graphs := make([]*Graph, n)
	for i, m := range members {
		graphs[i] = New(m, WithFlushThreshold(7),
			WithRetryPolicy(cluster.RetryPolicy{MaxRetries: 20, InitialInterval: time.Millisecond}))
	}
	return graphs
}

func runAll(graphs []*Graph, fn func(g *Graph) error) []error {
	errs := make([]error, len(graphs))
	var wg sync.WaitGroup
	for i, g := range graphs {
		wg.Add(1)
		go func(i int, g *Graph) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	return errs
}

// every worker loads a stripe of the input, like files dealt round-robin
func loadStripes(graphs []*Graph, n int, edges []testEdge) []error {
	return runAll(graphs, func(g *Graph) error {
		for id := 1; id <= n; id++ {
			if uint32(id)%g.Size() == g.Rank() {
				if err := g.AddVertex(VertexID(id), nil); err != nil {
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
}

func TestFinalizeAcrossWorkers(t *testing.T) {
	const n = 40
	edges := testEdges(n)
	graphs := newCluster(t, 3)
	for _, err := range loadStripes(graphs, n, edges) {
		require.NoError(t, err)
	}

	in := make(map[VertexID]int)
	out := make(map[VertexID]int)
	for _, e := range edges {
		out[e.src]++
		in[e.dst]++
	}
	total := 0
	for _, g := range graphs {
		total += g.NumLocalVertices()
		g.Partition().Range(func(v *Vertex) bool {
			assert.Equal(t, g.Rank(), g.Owner(v.ID()))
			assert.Equal(t, out[v.ID()], v.NumOutEdges(), "out-degree of %d", v.ID())
			assert.Equal(t, in[v.ID()], v.NumInEdges(), "in-degree of %d", v.ID())
			for _, m := range v.Mirrors() {
				assert.NotEqual(t, g.Rank(), m)
			}
			return true
		})
	}
	assert.Equal(t, n, total)
}

func TestMirrorsMatchGhostSlots(t *testing.T) {
	const n = 30
	graphs := newCluster(t, 3)
	for _, err := range loadStripes(graphs, n, testEdges(n)) {
		require.NoError(t, err)
	}
	for _, g := range graphs {
		g.Partition().Range(func(v *Vertex) bool {
			for _, m := range v.Mirrors() {
				assert.True(t, graphs[m].Ghosts().Has(v.ID()), "rank %d should mirror %d", m, v.ID())
			}
			return true
		})
		for _, id := range g.Partition().GhostIDs() {
			owner, _ := graphs[g.Owner(id)].Local(id)
			require.NotNil(t, owner)
			assert.Contains(t, owner.Mirrors(), g.Rank())
		}
	}
}

func TestFinalizeFailurePropagates(t *testing.T) {
	graphs := newCluster(t, 3)
	errs := runAll(graphs, func(g *Graph) error {
		if g.Rank() == 1 {
			if err := g.AddVertex(5, nil); err != nil {
				return err
			}
			if err := g.AddEdge(5, 1000, nil); err != nil {
				return err
			}
		}
		return g.Finalize(context.Background())
	})
	raised := 0
	for rank, err := range errs {
		require.Error(t, err, "rank %d", rank)
		var unresolved *UnresolvedEndpointError
		if errors.As(err, &unresolved) {
			raised++
			assert.Equal(t, VertexID(1000), unresolved.Missing)
			continue
		}
		assert.True(t, errors.Is(err, ErrPeerAborted), "rank %d: %v", rank, err)
	}
	assert.Equal(t, 1, raised)
}

func TestDuplicateVertexFromPeerFailsIngestion(t *testing.T) {
	graphs := newCluster(t, 2)
	errs := runAll(graphs, func(g *Graph) error {
		if err := g.AddVertex(11, fmt.Sprintf("from-%d", g.Rank())); err != nil {
			return g.Barrier(context.Background(), err)
		}
		return g.Finalize(context.Background())
	})
	for _, err := range errs {
		assert.Error(t, err)
	}
}

func TestRemoteReads(t *testing.T) {
	const n = 20
	graphs := newCluster(t, 2, cluster.WithDelay(0, time.Millisecond))
	for _, err := range loadStripes(graphs, n, testEdges(n)) {
		require.NoError(t, err)
	}
	wantOut := make(map[VertexID]int)
	wantIn := make(map[VertexID]int)
	for _, e := range testEdges(n) {
		wantOut[e.src]++
		wantIn[e.dst]++
	}
	ctx := context.Background()
	g := graphs[0]
	var remote int
	for id := VertexID(1); id <= n; id++ {
		if g.Owner(id) != g.Rank() {
			remote++
		}
		s, err := g.Vertex(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, s.ID)
		out, err := g.Edges(ctx, id, OutEdges)
		require.NoError(t, err)
		assert.Equal(t, s.NumOut, len(out))
		all, err := g.Edges(ctx, id, AllEdges)
		require.NoError(t, err)
		assert.Equal(t, s.NumIn+s.NumOut, len(all))

		numOut, err := g.NumOutEdges(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantOut[id], numOut, "out-degree of %d", id)
		numIn, err := g.NumInEdges(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantIn[id], numIn, "in-degree of %d", id)
	}
	require.Greater(t, remote, 0)

	var missing VertexID = 500
	for g.Owner(missing) != 1 {
		missing++
	}
	_, err := g.Vertex(ctx, missing)
	assert.True(t, errors.Is(err, ErrVertexNotFound))
	_, err = g.NumOutEdges(ctx, missing)
	assert.True(t, errors.Is(err, ErrVertexNotFound))
	_, err = g.NumInEdges(ctx, missing)
	assert.True(t, errors.Is(err, ErrVertexNotFound))
}

func TestTransformVerticesUpdatesGhosts(t *testing.T) {
	const n = 24
	graphs := newCluster(t, 3)
	for _, err := range loadStripes(graphs, n, testEdges(n)) {
		require.NoError(t, err)
	}
	errs := runAll(graphs, func(g *Graph) error {
		return g.TransformVertices(context.Background(), func(v *Vertex) {
			v.SetData(float64(v.ID()) * 10)
		})
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, g := range graphs {
		for _, id := range g.Partition().GhostIDs() {
			s, ok := g.Ghosts().Get(id)
			require.True(t, ok, "ghost %d on rank %d", id, g.Rank())
			assert.Equal(t, float64(id)*10, s.Data)
			assert.Equal(t, uint64(1), s.Version)
		}
	}
}

type tsvWriter struct{}

func (tsvWriter) SaveVertex(v *Vertex) string { return fmt.Sprintf("%d\t%v\n", v.ID(), v.Data()) }
func (tsvWriter) SaveEdge(e Edge) string      { return fmt.Sprintf("%d\t%d\n", e.Source, e.Target) }

func TestSaveWritesAscendingShard(t *testing.T) {
	p := NewPartition(0, 1)
	for _, id := range []VertexID{5, 1, 3} {
		require.NoError(t, p.AddVertex(id, float64(id)/2))
	}
	require.NoError(t, p.AddEdge(1, 3, nil))
	require.NoError(t, p.Finalize())

	var buf bytes.Buffer
	require.NoError(t, WritePartition(context.Background(), p, &buf, tsvWriter{}, SaveOptions{Vertices: true, Edges: true}))
	assert.Equal(t, "1\t0.5\n1\t3\n3\t1.5\n5\t2.5\n", buf.String())
}

func TestGraphSaveGzip(t *testing.T) {
	graphs := newCluster(t, 1)
	g := graphs[0]
	require.NoError(t, g.AddVertex(2, 1.0))
	require.NoError(t, g.AddVertex(1, 1.0))
	require.NoError(t, g.Finalize(context.Background()))

	prefix := filepath.Join(t.TempDir(), "out", "pr")
	path, err := g.Save(context.Background(), prefix, tsvWriter{}, SaveOptions{Vertices: true, Gzip: true})
	require.NoError(t, err)
	assert.Equal(t, prefix+".0.gz", path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	body, err := ioutil.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "1\t1\n2\t1\n", string(body))
}

type countingSink struct {
	mu      sync.Mutex
	signals []VertexID
}

func (s *countingSink) Deliver(from uint32, signals []VertexID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signals...)
}
func (s *countingSink) Probe(req *cluster.ProbeRequest) *cluster.ProbeReply {
	return &cluster.ProbeReply{Wave: req.Wave, Idle: true}
}
func (s *countingSink) Control(c *cluster.Control) error { return nil }

func TestWorkBatchesBeforeAttachAreKept(t *testing.T) {
	graphs := newCluster(t, 1)
	g := graphs[0]
	ctx := context.Background()
	require.NoError(t, g.HandleBatch(ctx, &cluster.Batch{Work: true, Signals: []uint64{1, 2}}))
	require.NoError(t, g.HandleBatch(ctx, &cluster.Batch{Work: true, Signals: []uint64{3}}))

	s := &countingSink{}
	g.Attach(s)
	require.NoError(t, g.HandleBatch(ctx, &cluster.Batch{Work: true, Signals: []uint64{4}}))
	assert.Equal(t, []VertexID{1, 2, 3, 4}, s.signals)
}

// barrierLinkDown cannot reach the barrier host, but other control traffic
// still gets through.
type barrierLinkDown struct{ cluster.Transport }

func (b barrierLinkDown) Control(ctx context.Context, to uint32, c *cluster.Control) (*cluster.ControlReply, error) {
	if c.Kind == cluster.ControlBarrier {
		return nil, cluster.Transient(errors.New("link down"))
	}
	return b.Transport.Control(ctx, to, c)
}

func TestUnreachableBarrierAbortsTheOthers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	members := cluster.NewLocalCluster(2)
	g0 := New(members[0])
	g1 := New(barrierLinkDown{members[1]},
		WithBarrierPolicy(cluster.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond}))

	done := make(chan error, 1)
	go func() { done <- g0.Barrier(ctx, nil) }()

	err := g1.Barrier(ctx, nil)
	var timeout *cluster.RemoteAccessTimeout
	require.ErrorAs(t, err, &timeout)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPeerAborted)
		assert.Contains(t, err.Error(), "rank 1")
	case <-ctx.Done():
		t.Fatal("rank 0 still waiting at the barrier")
	}
}

func TestBarrierTimeoutReleasesHost(t *testing.T) {
	members := cluster.NewLocalCluster(2)
	g0 := New(members[0], WithBarrierTimeout(50*time.Millisecond))
	New(members[1])

	start := time.Now()
	err := g0.Barrier(context.Background(), nil)
	assert.ErrorIs(t, err, ErrPeerAborted)
	assert.Contains(t, err.Error(), "missing ranks 1")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFlushSurfacesDuplicateBeforeBarrier(t *testing.T) {
	graphs := newCluster(t, 2)
	id := VertexID(1)
	for graphs[0].Owner(id) != 0 {
		id++
	}
	require.NoError(t, graphs[0].AddVertex(id, "a"))
	require.NoError(t, graphs[1].AddVertex(id, "b"), "remote insert is buffered")

	err := graphs[1].Flush(context.Background())
	var dup *DuplicateVertexError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, id, dup.ID)
	assert.NoError(t, graphs[1].Flush(context.Background()), "nothing left to send")
}
