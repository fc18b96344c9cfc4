package apps

import (
	"fmt"
	"math"

	"warpgraph/graph"
	"warpgraph/warp"
)

func ShortestPathInit(source graph.VertexID) func(v *graph.Vertex) {
	return func(v *graph.Vertex) {
		if v.ID() == source {
			v.SetData(0.0)
			return
		}
		v.SetData(math.Inf(1))
	}
}

// ShortestPath relaxes v over its in-edges. Edge payloads are weights;
// edges without one weigh 1.
func ShortestPath(c warp.Context, v *graph.Vertex) error {
	current, _ := v.Data().(float64)
	best, err := warp.MapReduceNeighborhood(c, v, graph.InEdges,
		func(e graph.Edge, other graph.Snapshot) float64 {
			return other.Float() + weight(e)
		}, math.Min, current)
	if err != nil {
		return err
	}
	if best < current {
		v.SetData(best)
		return warp.BroadcastNeighborhood(c, v, graph.OutEdges, warp.SignalNeighbor)
	}
	return nil
}

func weight(e graph.Edge) float64 {
	if w, ok := e.Data.(float64); ok {
		return w
	}
	return 1
}

// DistanceWriter emits "id<TAB>distance" lines, "inf" for unreachable
// vertices.
type DistanceWriter struct{}

func (DistanceWriter) SaveVertex(v *graph.Vertex) string {
	d, _ := v.Data().(float64)
	if math.IsInf(d, 1) {
		return fmt.Sprintf("%d\tinf\n", v.ID())
	}
	return fmt.Sprintf("%d\t%v\n", v.ID(), d)
}

func (DistanceWriter) SaveEdge(graph.Edge) string { return "" }
