package graph

import (
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"warpgraph/util"
)

type edgeKey struct{ src, dst VertexID }

// Partition holds the vertices owned by one worker together with their
// out-edges and, after finalize, their in-edges.
type Partition struct {
	rank, size uint32

	mu        sync.RWMutex
	vertices  map[VertexID]*Vertex
	edges     map[edgeKey]interface{}
	edgeOrder []edgeKey
	inbound   []Edge
	ids       []VertexID
	ghosts    []VertexID
	finalized bool
}

func NewPartition(rank, size uint32) *Partition {
	if size == 0 {
		size = 1
	}
	return &Partition{
		rank:     rank,
		size:     size,
		vertices: make(map[VertexID]*Vertex),
		edges:    make(map[edgeKey]interface{}),
	}
}

func (p *Partition) Rank() uint32 { return p.rank }
func (p *Partition) Size() uint32 { return p.size }

func (p *Partition) Owner(id VertexID) uint32 { return util.Owner(id, p.size) }
func (p *Partition) Owns(id VertexID) bool     { return p.Owner(id) == p.rank }

// AddVertex stores an owned vertex. A nil payload stands for "no payload":
// it never conflicts and is replaced by the first non-nil one. Re-adding an
// equal payload is a no-op; a different one is a DuplicateVertexError.
func (p *Partition) AddVertex(id VertexID, data interface{}) error {
	if !p.Owns(id) {
		return errors.Wrapf(ErrNotOwner, "vertex %d on rank %d", id, p.rank)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	if v, ok := p.vertices[id]; ok {
		existing := v.Data()
		switch {
		case data == nil || reflect.DeepEqual(existing, data):
			return nil
		case existing == nil:
			v.SetData(data)
			return nil
		}
		return &DuplicateVertexError{ID: id, Existing: existing, Added: data}
	}
	p.vertices[id] = newVertex(id, data)
	return nil
}

// AddEdge stores an edge whose source is owned here. Endpoints are checked
// at finalize.
func (p *Partition) AddEdge(src, dst VertexID, data interface{}) error {
	if !p.Owns(src) {
		return errors.Wrapf(ErrNotOwner, "edge source %d on rank %d", src, p.rank)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	k := edgeKey{src, dst}
	if _, ok := p.edges[k]; ok {
		return &DuplicateEdgeError{Source: src, Target: dst}
	}
	p.edges[k] = data
	p.edgeOrder = append(p.edgeOrder, k)
	return nil
}

func (p *Partition) receiveInEdges(es []Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	for _, e := range es {
		if !p.Owns(e.Target) {
			return errors.Wrapf(ErrNotOwner, "in-edge target %d on rank %d", e.Target, p.rank)
		}
	}
	p.inbound = append(p.inbound, es...)
	return nil
}

// attachOutEdges links every stored edge to its source vertex, and to its
// target when that is local too. Edges with a remote target are returned
// grouped by the target's owner.
func (p *Partition) attachOutEdges() (map[uint32][]Edge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return nil, ErrFinalized
	}
	remote := make(map[uint32][]Edge)
	for _, k := range p.edgeOrder {
		e := Edge{Source: k.src, Target: k.dst, Data: p.edges[k]}
		src, ok := p.vertices[k.src]
		if !ok {
			return nil, &UnresolvedEndpointError{Source: k.src, Target: k.dst, Missing: k.src}
		}
		src.out = append(src.out, e)
		if owner := p.Owner(k.dst); owner != p.rank {
			remote[owner] = append(remote[owner], e)
			continue
		}
		dst, ok := p.vertices[k.dst]
		if !ok {
			return nil, &UnresolvedEndpointError{Source: k.src, Target: k.dst, Missing: k.dst}
		}
		dst.in = append(dst.in, e)
	}
	p.edges = nil
	p.edgeOrder = nil
	return remote, nil
}

// seal links in-edges received from peers, orders adjacency lists, and
// derives mirror sets and ghost references.
func (p *Partition) seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	for _, e := range p.inbound {
		dst, ok := p.vertices[e.Target]
		if !ok {
			return &UnresolvedEndpointError{Source: e.Source, Target: e.Target, Missing: e.Target}
		}
		dst.in = append(dst.in, e)
	}
	p.inbound = nil

	ghosts := make(map[VertexID]bool)
	p.ids = make([]VertexID, 0, len(p.vertices))
	for id, v := range p.vertices {
		p.ids = append(p.ids, id)
		sort.Slice(v.out, func(i, j int) bool { return v.out[i].Target < v.out[j].Target })
		sort.Slice(v.in, func(i, j int) bool { return v.in[i].Source < v.in[j].Source })

		mirrors := make(map[uint32]bool)
		for _, e := range v.out {
			if owner := p.Owner(e.Target); owner != p.rank {
				mirrors[owner] = true
				ghosts[e.Target] = true
			}
		}
		for _, e := range v.in {
			if owner := p.Owner(e.Source); owner != p.rank {
				mirrors[owner] = true
				ghosts[e.Source] = true
			}
		}
		v.mirrors = v.mirrors[:0]
		for r := range mirrors {
			v.mirrors = append(v.mirrors, r)
		}
		sort.Slice(v.mirrors, func(i, j int) bool { return v.mirrors[i] < v.mirrors[j] })
	}
	sort.Slice(p.ids, func(i, j int) bool { return p.ids[i] < p.ids[j] })

	p.ghosts = p.ghosts[:0]
	for id := range ghosts {
		p.ghosts = append(p.ghosts, id)
	}
	sort.Slice(p.ghosts, func(i, j int) bool { return p.ghosts[i] < p.ghosts[j] })
	p.finalized = true
	return nil
}

// Finalize seals a partition that has no peers. Multi-worker graphs go
// through Graph.Finalize.
func (p *Partition) Finalize() error {
	remote, err := p.attachOutEdges()
	if err != nil {
		return err
	}
	for _, es := range remote {
		e := es[0]
		return &UnresolvedEndpointError{Source: e.Source, Target: e.Target, Missing: e.Target}
	}
	return p.seal()
}

func (p *Partition) Finalized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finalized
}

func (p *Partition) Vertex(id VertexID) (*Vertex, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.vertices[id]
	return v, ok
}

// OutEdges returns the out-edges of an owned vertex, sorted by target.
func (p *Partition) OutEdges(id VertexID) []Edge {
	if v, ok := p.Vertex(id); ok {
		return v.OutEdges()
	}
	return nil
}

// InEdges returns the in-edges of an owned vertex, sorted by source.
func (p *Partition) InEdges(id VertexID) []Edge {
	if v, ok := p.Vertex(id); ok {
		return v.InEdges()
	}
	return nil
}

func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vertices)
}

// IDs returns the owned vertex ids in ascending order. Only valid after
// finalize.
func (p *Partition) IDs() []VertexID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ids
}

// GhostIDs returns the remote vertices referenced by local edges.
func (p *Partition) GhostIDs() []VertexID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ghosts
}

// Range calls fn for every owned vertex in ascending id order until fn
// returns false.
func (p *Partition) Range(fn func(v *Vertex) bool) {
	for _, id := range p.IDs() {
		v, _ := p.Vertex(id)
		if !fn(v) {
			return
		}
	}
}

// NumEdges counts the out-edges held by this partition.
func (p *Partition) NumEdges() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.finalized {
		return len(p.edges)
	}
	n := 0
	for _, v := range p.vertices {
		n += len(v.out)
	}
	return n
}
