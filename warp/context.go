package warp

import (
	"context"
	"io"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"

	"warpgraph/cluster"
	"warpgraph/graph"
)

// Context is handed to the update function for one evaluation of one
// vertex.
type Context interface {
	// Signal schedules id for evaluation once the current update returns
	// successfully.
	Signal(id graph.VertexID)
	// Vertex reads any vertex, remote ones possibly stale.
	Vertex(id graph.VertexID) (graph.Snapshot, error)
	Edges(id graph.VertexID, dir graph.Direction) ([]graph.Edge, error)
	Rank() uint32
	Context() context.Context
	Output() io.Writer
	Logger() *zap.Logger
}

// UpdateFunc evaluates one vertex. It may replace the vertex value with
// SetData and signal other vertices through c.
type UpdateFunc func(c Context, v *graph.Vertex) error

type updateContext struct {
	e      *Engine
	ctx    context.Context
	vertex *graph.Vertex
	before interface{}
	local  []graph.VertexID
	remote map[uint32][]graph.VertexID
}

func (e *Engine) newContext(ctx context.Context, v *graph.Vertex) *updateContext {
	return &updateContext{e: e, ctx: ctx, vertex: v, before: v.Data()}
}

func (c *updateContext) Signal(id graph.VertexID) {
	owner := c.e.g.Owner(id)
	if owner == c.e.rank {
		c.local = append(c.local, id)
		return
	}
	if c.remote == nil {
		c.remote = make(map[uint32][]graph.VertexID)
	}
	c.remote[owner] = append(c.remote[owner], id)
}

func (c *updateContext) Vertex(id graph.VertexID) (graph.Snapshot, error) {
	if id == c.vertex.ID() {
		return c.vertex.Snapshot(), nil
	}
	return c.e.g.Vertex(c.ctx, id)
}

func (c *updateContext) Edges(id graph.VertexID, dir graph.Direction) ([]graph.Edge, error) {
	if id == c.vertex.ID() {
		switch dir {
		case graph.InEdges:
			return c.vertex.InEdges(), nil
		case graph.OutEdges:
			return c.vertex.OutEdges(), nil
		}
	}
	return c.e.g.Edges(c.ctx, id, dir)
}

func (c *updateContext) Rank() uint32             { return c.e.rank }
func (c *updateContext) Context() context.Context { return c.ctx }
func (c *updateContext) Output() io.Writer        { return c.e.opts.output }
func (c *updateContext) Logger() *zap.Logger      { return c.e.log }

// changed reports whether the update replaced the vertex value with a
// different one.
func (c *updateContext) changed() bool {
	return !reflect.DeepEqual(c.before, c.vertex.Data())
}

// commit publishes the effects of a successful update.
func (c *updateContext) commit() {
	var ghost *cluster.GhostRecord
	mirrors := c.vertex.Mirrors()
	if c.changed() {
		c.vertex.Bump()
		if len(mirrors) > 0 {
			rec := c.vertex.GhostRecord()
			ghost = &rec
		}
	}
	for _, ids := range c.remote {
		atomic.AddUint64(&c.e.remoteSignals, uint64(len(ids)))
		c.e.metrics.signals.WithLabelValues("remote").Add(float64(len(ids)))
	}
	c.e.outbox.add(ghost, mirrors, c.remote)
	for _, id := range c.local {
		c.e.signalLocal(id)
	}
}
