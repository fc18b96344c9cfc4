package warp

import (
	"warpgraph/graph"
)

// MapReduceNeighborhood folds mapFn over the edges of v in direction dir,
// starting from identity. mapFn sees each edge with a snapshot of the
// vertex at its other end.
func MapReduceNeighborhood[T any](
	c Context, v *graph.Vertex, dir graph.Direction,
	mapFn func(e graph.Edge, other graph.Snapshot) T,
	reduce func(acc, x T) T, identity T,
) (T, error) {
	acc := identity
	for _, d := range []graph.Direction{graph.InEdges, graph.OutEdges} {
		if dir&d == 0 {
			continue
		}
		edges, err := c.Edges(v.ID(), d)
		if err != nil {
			return identity, err
		}
		for _, e := range edges {
			other, err := c.Vertex(e.Neighbor(v.ID()))
			if err != nil {
				return identity, err
			}
			acc = reduce(acc, mapFn(e, other))
		}
	}
	return acc, nil
}

// SumNeighborhood adds up mapFn over the neighbourhood.
func SumNeighborhood(c Context, v *graph.Vertex, dir graph.Direction, mapFn func(e graph.Edge, other graph.Snapshot) float64) (float64, error) {
	return MapReduceNeighborhood(c, v, dir, mapFn, func(a, b float64) float64 { return a + b }, 0)
}

// BroadcastNeighborhood calls fn for every edge of v in direction dir
// with the id of the vertex at its other end.
func BroadcastNeighborhood(c Context, v *graph.Vertex, dir graph.Direction, fn func(c Context, e graph.Edge, neighbor graph.VertexID) error) error {
	for _, d := range []graph.Direction{graph.InEdges, graph.OutEdges} {
		if dir&d == 0 {
			continue
		}
		edges, err := c.Edges(v.ID(), d)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if err := fn(c, e, e.Neighbor(v.ID())); err != nil {
				return err
			}
		}
	}
	return nil
}

// SignalNeighbor signals the neighbour. Pass it to BroadcastNeighborhood.
func SignalNeighbor(c Context, _ graph.Edge, neighbor graph.VertexID) error {
	c.Signal(neighbor)
	return nil
}
