package apps

import (
	"encoding/gob"
	"fmt"
	"math"

	"warpgraph/graph"
	"warpgraph/summary"
	"warpgraph/warp"
)

// Label is the payload of a call-graph vertex: the function it stands for
// and its current score.
type Label struct {
	Name  string
	Score float64
}

func init() {
	gob.Register(Label{})
}

// CallRankInit turns a string payload into a Label. Vertices without a
// name are named after their id.
func CallRankInit(v *graph.Vertex) {
	switch d := v.Data().(type) {
	case Label:
		return
	case string:
		v.SetData(Label{Name: d, Score: 1})
	default:
		v.SetData(Label{Name: fmt.Sprintf("0x%x", v.ID()), Score: 1})
	}
}

// CallRank is PageRank over a call graph where the teleport share of each
// function is scaled by its size in the program summary.
func CallRank(table summary.Table, tolerance float64) warp.UpdateFunc {
	return func(c warp.Context, v *graph.Vertex) error {
		label, _ := v.Data().(Label)
		sum, err := warp.SumNeighborhood(c, v, graph.InEdges, contribution)
		if err != nil {
			return err
		}
		next := ResetProb*table.Weight(label.Name) + Damping*sum
		v.SetData(Label{Name: label.Name, Score: next})
		if math.Abs(next-label.Score) > tolerance {
			return warp.BroadcastNeighborhood(c, v, graph.OutEdges, warp.SignalNeighbor)
		}
		return nil
	}
}

// LabelWriter emits "id<TAB>name<TAB>score" lines.
type LabelWriter struct{}

func (LabelWriter) SaveVertex(v *graph.Vertex) string {
	label, ok := v.Data().(Label)
	if !ok {
		return fmt.Sprintf("%d\t\t%v\n", v.ID(), v.Data())
	}
	return fmt.Sprintf("%d\t%s\t%v\n", v.ID(), label.Name, label.Score)
}

func (LabelWriter) SaveEdge(graph.Edge) string { return "" }
