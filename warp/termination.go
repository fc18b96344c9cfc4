package warp

import (
	"fmt"

	"warpgraph/cluster"
)

// GlobalState is the coordinator's view of the computation.
type GlobalState int32

const (
	Running GlobalState = iota
	Terminating
	Terminated
)

func (s GlobalState) String() string {
	switch s {
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// TerminationProtocolViolation means the counters or messages seen by the
// detector cannot come from a correct run.
type TerminationProtocolViolation struct {
	Rank   uint32
	Reason string
}

func (e *TerminationProtocolViolation) Error() string {
	return fmt.Sprintf("warp: termination protocol violation at rank %d: %s", e.Rank, e.Reason)
}

// detector runs on rank 0 and folds probe waves into a global state. A wave
// is clean when every worker was idle and the sums of batches sent and
// received agree. Two consecutive clean waves with identical sums end the
// computation; any dirty wave returns it to Running.
type detector struct {
	size  int
	wave  uint64
	state GlobalState

	lastSent, lastRecv uint64
	perRank            []cluster.ProbeReply
}

func newDetector(size int) *detector {
	return &detector{size: size, perRank: make([]cluster.ProbeReply, size)}
}

func (d *detector) nextWave() uint64 {
	d.wave++
	return d.wave
}

func (d *detector) observe(replies []*cluster.ProbeReply) (GlobalState, error) {
	if len(replies) != d.size {
		return d.state, &TerminationProtocolViolation{Reason: fmt.Sprintf("wave %d has %d replies for %d workers", d.wave, len(replies), d.size)}
	}
	if d.state == Terminated {
		return d.state, nil
	}
	var sent, recv uint64
	idle := true
	for i, r := range replies {
		if r == nil || r.Rank != uint32(i) || r.Wave != d.wave {
			return d.state, &TerminationProtocolViolation{Rank: uint32(i), Reason: fmt.Sprintf("stale or misrouted reply in wave %d", d.wave)}
		}
		prev := d.perRank[i]
		if r.Sent < prev.Sent || r.Received < prev.Received {
			return d.state, &TerminationProtocolViolation{Rank: r.Rank, Reason: "batch counters went backwards"}
		}
		d.perRank[i] = *r
		sent += r.Sent
		recv += r.Received
		idle = idle && r.Idle
	}

	clean := idle && sent == recv
	switch {
	case !clean:
		d.state = Running
	case d.state == Running:
		d.state = Terminating
	case sent == d.lastSent && recv == d.lastRecv:
		d.state = Terminated
	}
	d.lastSent, d.lastRecv = sent, recv
	return d.state, nil
}
