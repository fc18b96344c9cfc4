package warp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/cluster"
)

func wave(d *detector, replies ...cluster.ProbeReply) (GlobalState, error) {
	w := d.nextWave()
	ptrs := make([]*cluster.ProbeReply, len(replies))
	for i := range replies {
		r := replies[i]
		r.Rank = uint32(i)
		r.Wave = w
		ptrs[i] = &r
	}
	return d.observe(ptrs)
}

func TestDetectorNeedsTwoCleanWaves(t *testing.T) {
	d := newDetector(2)
	state, err := wave(d, cluster.ProbeReply{Idle: true, Sent: 3, Received: 1}, cluster.ProbeReply{Idle: true, Sent: 1, Received: 3})
	require.NoError(t, err)
	assert.Equal(t, Terminating, state)

	state, err = wave(d, cluster.ProbeReply{Idle: true, Sent: 3, Received: 1}, cluster.ProbeReply{Idle: true, Sent: 1, Received: 3})
	require.NoError(t, err)
	assert.Equal(t, Terminated, state)
}

func TestDetectorBusyWorkerResets(t *testing.T) {
	d := newDetector(2)
	state, _ := wave(d, cluster.ProbeReply{Idle: true}, cluster.ProbeReply{Idle: true})
	assert.Equal(t, Terminating, state)

	state, _ = wave(d, cluster.ProbeReply{Idle: true}, cluster.ProbeReply{Idle: false})
	assert.Equal(t, Running, state)

	state, _ = wave(d, cluster.ProbeReply{Idle: true}, cluster.ProbeReply{Idle: true})
	assert.Equal(t, Terminating, state)
}

func TestDetectorInFlightBatchBlocksTermination(t *testing.T) {
	d := newDetector(2)
	for i := 0; i < 3; i++ {
		state, err := wave(d, cluster.ProbeReply{Idle: true, Sent: 1}, cluster.ProbeReply{Idle: true})
		require.NoError(t, err)
		assert.Equal(t, Running, state)
	}
}

func TestDetectorCountsMustHoldStill(t *testing.T) {
	d := newDetector(2)
	state, _ := wave(d, cluster.ProbeReply{Idle: true, Sent: 1}, cluster.ProbeReply{Idle: true, Received: 1})
	assert.Equal(t, Terminating, state)

	// traffic happened between the waves although both look clean
	state, _ = wave(d, cluster.ProbeReply{Idle: true, Sent: 2}, cluster.ProbeReply{Idle: true, Received: 2})
	assert.Equal(t, Terminating, state)

	state, _ = wave(d, cluster.ProbeReply{Idle: true, Sent: 2}, cluster.ProbeReply{Idle: true, Received: 2})
	assert.Equal(t, Terminated, state)
}

func TestDetectorRejectsCounterRegression(t *testing.T) {
	d := newDetector(2)
	_, err := wave(d, cluster.ProbeReply{Sent: 4}, cluster.ProbeReply{Received: 2})
	require.NoError(t, err)
	_, err = wave(d, cluster.ProbeReply{Sent: 3}, cluster.ProbeReply{Received: 2})
	var violation *TerminationProtocolViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, uint32(0), violation.Rank)
}

func TestDetectorRejectsStaleReply(t *testing.T) {
	d := newDetector(1)
	d.nextWave()
	_, err := d.observe([]*cluster.ProbeReply{{Rank: 0, Wave: 0, Idle: true}})
	var violation *TerminationProtocolViolation
	assert.True(t, errors.As(err, &violation))
}

func TestDetectorSingleWorker(t *testing.T) {
	d := newDetector(1)
	state, _ := wave(d, cluster.ProbeReply{Idle: true})
	assert.Equal(t, Terminating, state)
	state, _ = wave(d, cluster.ProbeReply{Idle: true})
	assert.Equal(t, Terminated, state)
}
