package cluster

// VertexRecord carries a vertex insertion to its owner during ingestion.
type VertexRecord struct {
	ID   uint64
	Data interface{}
}

// EdgeRecord is an edge on the wire. During ingestion it travels to the
// owner of Source; during finalize it travels to the owner of Target as an
// in-edge record.
type EdgeRecord struct {
	Source uint64
	Target uint64
	Data   interface{}
}

// GhostRecord is a versioned copy of a vertex value pushed to the workers
// that mirror it.
type GhostRecord struct {
	ID      uint64
	Version uint64
	Data    interface{}
	NumIn   int
	NumOut  int
}

// Batch is the unit of one-way traffic between workers. Work batches are
// produced by a running engine and take part in termination accounting;
// the rest belong to ingestion, finalize, or value synchronisation.
type Batch struct {
	From     uint32
	Work     bool
	Vertices []VertexRecord
	Edges    []EdgeRecord
	InEdges  []EdgeRecord
	Ghosts   []GhostRecord
	Signals  []uint64
}

// Empty reports whether b carries nothing.
func (b *Batch) Empty() bool {
	return len(b.Vertices) == 0 && len(b.Edges) == 0 && len(b.InEdges) == 0 &&
		len(b.Ghosts) == 0 && len(b.Signals) == 0
}

// Size is the number of records in b.
func (b *Batch) Size() int {
	return len(b.Vertices) + len(b.Edges) + len(b.InEdges) + len(b.Ghosts) + len(b.Signals)
}

type FetchKind uint8

const (
	FetchVertex FetchKind = iota
	FetchOutEdges
	FetchInEdges
)

type FetchRequest struct {
	Kind FetchKind
	ID   uint64
}

type FetchResponse struct {
	Found  bool
	Vertex GhostRecord
	Edges  []EdgeRecord
}

type ProbeRequest struct {
	Wave uint64
}

// ProbeReply is one worker's answer to a termination wave.
type ProbeReply struct {
	Rank     uint32
	Wave     uint64
	Idle     bool
	Sent     uint64
	Received uint64
}

type ControlKind uint8

const (
	ControlBarrier ControlKind = iota
	ControlTerminate
	ControlAbort
)

func (k ControlKind) String() string {
	switch k {
	case ControlBarrier:
		return "barrier"
	case ControlTerminate:
		return "terminate"
	case ControlAbort:
		return "abort"
	}
	return "unknown"
}

type Control struct {
	Kind   ControlKind
	From   uint32
	Epoch  uint64
	Failed bool
	Reason string
}

type ControlReply struct {
	Failed bool
	Reason string
}

// Ack is the empty reply to a batch. gob refuses structs without exported
// fields, hence OK.
type Ack struct {
	OK bool
}
