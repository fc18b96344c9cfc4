package grpcx

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/cluster"
)

type recorder struct {
	rank    uint32
	mu      sync.Mutex
	batches []*cluster.Batch
	fail    error
}

func (r *recorder) HandleBatch(_ context.Context, b *cluster.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) HandleFetch(_ context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error) {
	if req.ID == 404 {
		return &cluster.FetchResponse{}, nil
	}
	return &cluster.FetchResponse{
		Found:  true,
		Vertex: cluster.GhostRecord{ID: req.ID, Version: 3, Data: 0.25, NumOut: 1},
		Edges:  []cluster.EdgeRecord{{Source: req.ID, Target: req.ID + 1, Data: "w"}},
	}, nil
}

func (r *recorder) HandleProbe(_ context.Context, req *cluster.ProbeRequest) (*cluster.ProbeReply, error) {
	return &cluster.ProbeReply{Rank: r.rank, Wave: req.Wave, Idle: true, Sent: 4, Received: 2}, nil
}

func (r *recorder) HandleControl(_ context.Context, c *cluster.Control) (*cluster.ControlReply, error) {
	return &cluster.ControlReply{Failed: c.Failed, Reason: c.Kind.String() + " from " + string(rune('0'+c.From))}, nil
}

func (r *recorder) received() []*cluster.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cluster.Batch(nil), r.batches...)
}

// startCluster runs n transports on loopback listeners. Handlers are left
// unregistered.
func startCluster(t *testing.T, n int, opts ...Option) []*Transport {
	t.Helper()
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}
	ts := make([]*Transport, n)
	for i := range ts {
		tr, err := New(uint32(i), addrs, opts...)
		require.NoError(t, err)
		tr.Start(listeners[i])
		ts[i] = tr
		t.Cleanup(func() { tr.Close() })
	}
	return ts
}

func TestRemoteCalls(t *testing.T) {
	ts := startCluster(t, 2)
	r0, r1 := &recorder{rank: 0}, &recorder{rank: 1}
	ts[0].Register(r0)
	ts[1].Register(r1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, ts[0].Send(ctx, 1, &cluster.Batch{
		Work:     true,
		Signals:  []uint64{7, 8},
		Vertices: []cluster.VertexRecord{{ID: 7, Data: 1.5}, {ID: 8}},
	}))
	got := r1.received()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].From)
	assert.True(t, got[0].Work)
	assert.Equal(t, []uint64{7, 8}, got[0].Signals)
	assert.Equal(t, 1.5, got[0].Vertices[0].Data)
	assert.Nil(t, got[0].Vertices[1].Data)

	resp, err := ts[0].Fetch(ctx, 1, &cluster.FetchRequest{Kind: cluster.FetchOutEdges, ID: 5})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, 0.25, resp.Vertex.Data)
	assert.Equal(t, "w", resp.Edges[0].Data)

	resp, err = ts[1].Fetch(ctx, 0, &cluster.FetchRequest{ID: 404})
	require.NoError(t, err)
	assert.False(t, resp.Found)

	reply, err := ts[1].Probe(ctx, 0, &cluster.ProbeRequest{Wave: 9})
	require.NoError(t, err)
	assert.Equal(t, cluster.ProbeReply{Rank: 0, Wave: 9, Idle: true, Sent: 4, Received: 2}, *reply)

	cr, err := ts[1].Control(ctx, 0, &cluster.Control{Kind: cluster.ControlAbort, Failed: true})
	require.NoError(t, err)
	assert.Equal(t, "abort from 1", cr.Reason)
	assert.True(t, cr.Failed)
}

func TestSelfCallsSkipTheNetwork(t *testing.T) {
	ts := startCluster(t, 1)
	ctx := context.Background()
	require.True(t, cluster.IsTransient(ts[0].Send(ctx, 0, &cluster.Batch{})))

	r := &recorder{}
	ts[0].Register(r)
	require.NoError(t, ts[0].Send(ctx, 0, &cluster.Batch{Signals: []uint64{1}}))
	assert.Len(t, r.received(), 1)
}

func TestUnregisteredPeerIsTransient(t *testing.T) {
	ts := startCluster(t, 2)
	ts[0].Register(&recorder{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts[0].Send(ctx, 1, &cluster.Batch{Signals: []uint64{1}})
	require.Error(t, err)
	assert.True(t, cluster.IsTransient(err))

	// The retry helper rides it out once the peer registers.
	r1 := &recorder{rank: 1}
	go func() {
		time.Sleep(50 * time.Millisecond)
		ts[1].Register(r1)
	}()
	err = cluster.Retry(ctx, cluster.DefaultRetryPolicy, "send", 1, func() error {
		return ts[0].Send(ctx, 1, &cluster.Batch{Signals: []uint64{1}})
	})
	require.NoError(t, err)
	assert.Len(t, r1.received(), 1)
}

func TestHandlerErrorsAreNotTransient(t *testing.T) {
	ts := startCluster(t, 2, WithCompression())
	ts[0].Register(&recorder{})
	ts[1].Register(&recorder{fail: errors.New("duplicate vertex")})

	err := ts[0].Send(context.Background(), 1, &cluster.Batch{Signals: []uint64{1}})
	require.Error(t, err)
	assert.False(t, cluster.IsTransient(err))
	assert.Contains(t, err.Error(), "duplicate vertex")
}

func TestUnknownRankAndClose(t *testing.T) {
	ts := startCluster(t, 1)
	_, err := ts[0].Fetch(context.Background(), 3, &cluster.FetchRequest{})
	assert.ErrorIs(t, err, cluster.ErrUnknownRank)

	require.NoError(t, ts[0].Close())
	require.NoError(t, ts[0].Close())
	_, err = ts[0].Probe(context.Background(), 0, &cluster.ProbeRequest{})
	assert.ErrorIs(t, err, cluster.ErrClosed)

	_, err = New(2, []string{"a"})
	assert.ErrorIs(t, err, cluster.ErrUnknownRank)
}

func TestGobCodec(t *testing.T) {
	c := gobCodec{}
	data, err := c.Marshal(&cluster.GhostRecord{ID: 1, Data: "x"})
	require.NoError(t, err)
	var out cluster.GhostRecord
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "x", out.Data)
	assert.Equal(t, CodecName, c.Name())
}

func TestClientFetchesFromOwner(t *testing.T) {
	ts := startCluster(t, 3)
	addrs := make([]string, len(ts))
	for i, tr := range ts {
		tr.Register(&recorder{rank: uint32(i)})
		addrs[i] = tr.addrs[i]
	}
	c, err := Dial(addrs)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := c.Fetch(ctx, &cluster.FetchRequest{ID: 12})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, uint64(12), resp.Vertex.ID)
	assert.Less(t, c.Owner(12), uint32(3))

	_, err = Dial(nil)
	assert.Error(t, err)
}
