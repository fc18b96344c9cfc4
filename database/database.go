// Package database loads graphs from, and uploads them to, the shared
// stores a cluster can read its input from.
package database

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"warpgraph/codec"
	"warpgraph/graph"
	"warpgraph/util"
)

const MAXIMUM_ITEMS_PER_BATCH = 25

// Graph is an adjacency list keyed by source vertex.
type Graph map[uint64][]uint64

type Vertex struct {
	ID    uint64
	Edges []uint64
	Hash  uint64
}

// Source streams the share of a stored graph that worker rank of n reads.
// Every vertex and edge of the graph must be read by exactly one worker.
type Source interface {
	Load(ctx context.Context, b graph.Builder, rank, n uint32) error
}

// AddTo inserts v and its out-edges. Endpoints are added without payload
// so the edge never dangles.
func AddTo(b graph.Builder, v Vertex) error {
	if err := b.AddVertex(v.ID, nil); err != nil {
		return err
	}
	for _, dst := range v.Edges {
		if err := b.AddVertex(dst, nil); err != nil {
			return err
		}
		if err := b.AddEdge(v.ID, dst, nil); err != nil {
			return err
		}
	}
	return nil
}

// Collector is a Builder that gathers the adjacency list of a graph for
// an upload.
type Collector struct {
	Graph Graph
}

func NewCollector() *Collector { return &Collector{Graph: make(Graph)} }

func (c *Collector) AddVertex(id graph.VertexID, _ interface{}) error {
	if _, ok := c.Graph[id]; !ok {
		c.Graph[id] = []uint64{}
	}
	return nil
}

func (c *Collector) AddEdge(src, dst graph.VertexID, _ interface{}) error {
	c.Graph[src] = append(c.Graph[src], dst)
	return nil
}

// ParseInputGraph reads a graph file in any codec format into vertices
// ready for upload.
func ParseInputGraph(ctx context.Context, path, format string) ([]Vertex, error) {
	parse, err := codec.Lookup(format)
	if err != nil {
		return nil, err
	}
	c := NewCollector()
	if _, err := codec.LoadFile(ctx, c, path, parse); err != nil {
		return nil, err
	}
	return graphToVertices(c.Graph), nil
}

// graphToVertices orders vertices by id so uploads are reproducible.
func graphToVertices(g Graph) []Vertex {
	vertices := make([]Vertex, 0, len(g))
	for id, edges := range g {
		vertices = append(vertices, Vertex{ID: id, Edges: edges, Hash: util.HashId(id)})
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i].ID < vertices[j].ID })
	return vertices
}

// joinIDs renders ids with delim. Commas and spaces upset some SQL
// dialects, so callers use ".".
func joinIDs(ids []uint64, delim string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, delim)
}

func splitIDs(s, delim string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return []uint64{}, nil
	}
	parts := strings.Split(s, delim)
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "database: neighbour %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// batches splits vertices into runs of at most size.
func batches(vertices []Vertex, size int) [][]Vertex {
	var out [][]Vertex
	for start := 0; start < len(vertices); start += size {
		end := start + size
		if end > len(vertices) {
			end = len(vertices)
		}
		out = append(out, vertices[start:end])
	}
	return out
}
