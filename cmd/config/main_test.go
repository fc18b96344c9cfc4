package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/util"
)

func TestPortThenSync(t *testing.T) {
	dir := t.TempDir()
	cluster := filepath.Join(dir, "cluster.yaml")

	cmd := newConfigCmd()
	cmd.SetArgs([]string{"port", "--cluster", cluster, "--workers", "2", "--base", "9000"})
	require.NoError(t, cmd.Execute())

	var out bytes.Buffer
	cmd = newConfigCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sync", "--cluster", cluster, "--out", dir})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), util.WorkerConfigName(1))

	var w util.WorkerConfig
	require.NoError(t, util.ReadConfig(filepath.Join(dir, util.WorkerConfigName(1)), &w))
	assert.Equal(t, uint32(1), w.Rank)
	assert.Equal(t, "127.0.0.1:9003", w.Peers[1].ListenAddr)
}

func TestPortNeedsPeers(t *testing.T) {
	cmd := newConfigCmd()
	cmd.SetArgs([]string{"port", "--cluster", filepath.Join(t.TempDir(), "c.yaml")})
	assert.Error(t, cmd.Execute())
}
