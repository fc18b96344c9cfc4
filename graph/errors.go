package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrVertexNotFound = errors.New("graph: vertex not found")
	ErrNotFinalized   = errors.New("graph: graph is not finalized")
	ErrFinalized      = errors.New("graph: graph is already finalized")
	ErrNotOwner       = errors.New("graph: vertex is owned by another worker")
	ErrPeerAborted    = errors.New("graph: aborted by a peer")
)

// DuplicateVertexError reports a second insertion of a vertex with a
// different payload.
type DuplicateVertexError struct {
	ID       VertexID
	Existing interface{}
	Added    interface{}
}

func (e *DuplicateVertexError) Error() string {
	return fmt.Sprintf("graph: duplicate vertex %d (have %v, got %v)", e.ID, e.Existing, e.Added)
}

type DuplicateEdgeError struct {
	Source, Target VertexID
}

func (e *DuplicateEdgeError) Error() string {
	return fmt.Sprintf("graph: duplicate edge %d -> %d", e.Source, e.Target)
}

// UnresolvedEndpointError is raised during finalize when an edge names a
// vertex that no worker holds.
type UnresolvedEndpointError struct {
	Source, Target VertexID
	Missing        VertexID
}

func (e *UnresolvedEndpointError) Error() string {
	return fmt.Sprintf("graph: edge %d -> %d references missing vertex %d", e.Source, e.Target, e.Missing)
}
