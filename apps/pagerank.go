package apps

import (
	"fmt"
	"math"

	"warpgraph/graph"
	"warpgraph/warp"
)

func PageRankInit(v *graph.Vertex) { v.SetData(1.0) }

// PageRank recomputes the score of v from its in-neighbours and signals its
// out-neighbours when the score moved by more than tolerance.
func PageRank(tolerance float64) warp.UpdateFunc {
	return func(c warp.Context, v *graph.Vertex) error {
		sum, err := warp.SumNeighborhood(c, v, graph.InEdges, contribution)
		if err != nil {
			return err
		}
		old := Score(v.Data())
		next := ResetProb + Damping*sum
		v.SetData(next)
		if math.Abs(next-old) > tolerance {
			return warp.BroadcastNeighborhood(c, v, graph.OutEdges, warp.SignalNeighbor)
		}
		return nil
	}
}

// contribution is a neighbour's score split over its out-edges. A vertex
// without out-edges contributes nothing.
func contribution(_ graph.Edge, other graph.Snapshot) float64 {
	if other.NumOut == 0 {
		return 0
	}
	return Score(other.Data) / float64(other.NumOut)
}

// Score reads the rank carried by a payload.
func Score(data interface{}) float64 {
	switch d := data.(type) {
	case float64:
		return d
	case Label:
		return d.Score
	case *Label:
		if d != nil {
			return d.Score
		}
	}
	return 0
}

// PageRankWriter emits "id<TAB>score" lines and no edges.
type PageRankWriter struct{}

func (PageRankWriter) SaveVertex(v *graph.Vertex) string {
	return fmt.Sprintf("%d\t%v\n", v.ID(), v.Data())
}

func (PageRankWriter) SaveEdge(graph.Edge) string { return "" }
