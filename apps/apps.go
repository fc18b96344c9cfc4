// Package apps holds the update functions and output writers of the demo
// programs.
package apps

import (
	"sort"

	"github.com/pkg/errors"

	"warpgraph/graph"
	"warpgraph/summary"
	"warpgraph/warp"
)

const (
	PAGE_RANK     = "pagerank"
	CALL_RANK     = "cprop"
	SHORTEST_PATH = "sssp"
)

const (
	ResetProb        = 0.15
	Damping          = 0.85
	DefaultTolerance = 1e-2
)

var ErrUnknownApp = errors.New("apps: unknown application")

// App bundles what a job needs to run one program.
type App struct {
	Name   string
	Init   func(v *graph.Vertex)
	Update warp.UpdateFunc
	Writer graph.Writer
}

type Config struct {
	// Tolerance is the change below which a vertex stops signalling its
	// neighbours.
	Tolerance float64
	Summaries summary.Table
	Source    graph.VertexID
}

func New(name string, cfg Config) (App, error) {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	switch name {
	case PAGE_RANK, "":
		return App{Name: PAGE_RANK, Init: PageRankInit, Update: PageRank(cfg.Tolerance), Writer: PageRankWriter{}}, nil
	case CALL_RANK:
		return App{Name: CALL_RANK, Init: CallRankInit, Update: CallRank(cfg.Summaries, cfg.Tolerance), Writer: LabelWriter{}}, nil
	case SHORTEST_PATH:
		return App{Name: SHORTEST_PATH, Init: ShortestPathInit(cfg.Source), Update: ShortestPath, Writer: DistanceWriter{}}, nil
	}
	return App{}, errors.Wrapf(ErrUnknownApp, "%q (known: %v)", name, Names())
}

func Names() []string {
	names := []string{PAGE_RANK, CALL_RANK, SHORTEST_PATH}
	sort.Strings(names)
	return names
}
