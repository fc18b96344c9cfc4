package graph

import (
	"context"

	"go.uber.org/zap"

	"warpgraph/cluster"
)

// Finalize seals the graph on every worker. It flushes buffered inserts,
// ships each cross-partition edge to the owner of its target as an in-edge,
// and derives mirror and ghost sets. Any worker's failure fails Finalize
// everywhere.
func (g *Graph) Finalize(ctx context.Context) error {
	if err := g.Barrier(ctx, g.flushPending(ctx)); err != nil {
		return err
	}

	remote, err := g.part.attachOutEdges()
	if err == nil {
		err = g.sendInEdges(ctx, remote)
	}
	if err := g.Barrier(ctx, err); err != nil {
		return err
	}

	err = g.part.seal()
	if err == nil {
		for _, id := range g.part.GhostIDs() {
			g.ghosts.Reserve(id)
		}
		g.log.Info("finalized",
			zap.Int("vertices", g.part.Len()),
			zap.Int("edges", g.part.NumEdges()),
			zap.Int("ghosts", g.ghosts.Len()))
	}
	return g.Barrier(ctx, err)
}

func (g *Graph) sendInEdges(ctx context.Context, remote map[uint32][]Edge) error {
	for owner, es := range remote {
		for start := 0; start < len(es); start += g.flushThreshold {
			end := start + g.flushThreshold
			if end > len(es) {
				end = len(es)
			}
			b := &cluster.Batch{InEdges: edgeRecords(es[start:end])}
			if err := g.send(ctx, owner, b); err != nil {
				return err
			}
		}
	}
	return nil
}
