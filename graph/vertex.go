package graph

import (
	"sync/atomic"

	"warpgraph/cluster"
)

type VertexID = uint64

// Direction selects which adjacent edges of a vertex are visited.
type Direction uint8

const (
	InEdges Direction = 1 << iota
	OutEdges
	AllEdges = InEdges | OutEdges
)

func (d Direction) String() string {
	switch d {
	case InEdges:
		return "in"
	case OutEdges:
		return "out"
	case AllEdges:
		return "all"
	}
	return "none"
}

type Edge struct {
	Source VertexID
	Target VertexID
	Data   interface{}
}

// Neighbor returns the endpoint of e that is not id.
func (e Edge) Neighbor(id VertexID) VertexID {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

// Snapshot is a read-only copy of a vertex as seen from some worker. For a
// vertex owned elsewhere it may lag the owner's value.
type Snapshot struct {
	ID      VertexID
	Data    interface{}
	NumIn   int
	NumOut  int
	Version uint64
}

func (s Snapshot) NumEdges(dir Direction) int {
	n := 0
	if dir&InEdges != 0 {
		n += s.NumIn
	}
	if dir&OutEdges != 0 {
		n += s.NumOut
	}
	return n
}

// Float returns Data as a float64, or 0 when it holds something else.
func (s Snapshot) Float() float64 {
	f, _ := s.Data.(float64)
	return f
}

// Vertex is a vertex owned by the local partition. Its value may be read
// from any thread while an update function replaces it.
type Vertex struct {
	id      VertexID
	value   atomic.Value
	version uint64

	out     []Edge
	in      []Edge
	mirrors []uint32
}

type box struct{ data interface{} }

func newVertex(id VertexID, data interface{}) *Vertex {
	v := &Vertex{id: id}
	v.value.Store(box{data})
	return v
}

func (v *Vertex) ID() VertexID { return v.id }

func (v *Vertex) Data() interface{} {
	b, _ := v.value.Load().(box)
	return b.data
}

func (v *Vertex) SetData(data interface{}) { v.value.Store(box{data}) }

func (v *Vertex) Version() uint64 { return atomic.LoadUint64(&v.version) }

// Bump advances the version after a committed change and returns it.
func (v *Vertex) Bump() uint64 { return atomic.AddUint64(&v.version, 1) }

func (v *Vertex) NumInEdges() int  { return len(v.in) }
func (v *Vertex) NumOutEdges() int { return len(v.out) }

func (v *Vertex) InEdges() []Edge  { return v.in }
func (v *Vertex) OutEdges() []Edge { return v.out }

// Mirrors lists the remote ranks that hold a ghost of v.
func (v *Vertex) Mirrors() []uint32 { return v.mirrors }

func (v *Vertex) Snapshot() Snapshot {
	return Snapshot{
		ID:      v.id,
		Data:    v.Data(),
		NumIn:   len(v.in),
		NumOut:  len(v.out),
		Version: v.Version(),
	}
}

// GhostRecord is the value update sent to mirrors.
func (v *Vertex) GhostRecord() cluster.GhostRecord {
	s := v.Snapshot()
	return snapshotRecord(s)
}

func snapshotRecord(s Snapshot) cluster.GhostRecord {
	return cluster.GhostRecord{ID: s.ID, Version: s.Version, Data: s.Data, NumIn: s.NumIn, NumOut: s.NumOut}
}

func recordSnapshot(r cluster.GhostRecord) Snapshot {
	return Snapshot{ID: r.ID, Version: r.Version, Data: r.Data, NumIn: r.NumIn, NumOut: r.NumOut}
}

func edgeRecords(es []Edge) []cluster.EdgeRecord {
	out := make([]cluster.EdgeRecord, len(es))
	for i, e := range es {
		out[i] = cluster.EdgeRecord{Source: e.Source, Target: e.Target, Data: e.Data}
	}
	return out
}

func recordEdges(rs []cluster.EdgeRecord) []Edge {
	out := make([]Edge, len(rs))
	for i, r := range rs {
		out[i] = Edge{Source: r.Source, Target: r.Target, Data: r.Data}
	}
	return out
}
