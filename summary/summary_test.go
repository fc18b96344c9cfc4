package summary

import (
	"io/ioutil"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.tsv")
	require.NoError(t, ioutil.WriteFile(path, []byte("# name\tinstrs\tsites\nmain\t120\t1,2\nhelper\t8\n"), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 2, table.TotalAllocSites())

	main, ok := table.Lookup("main")
	require.True(t, ok)
	assert.Equal(t, 120, main.Instructions)
	assert.Equal(t, []int{1, 2}, main.AllocSites)

	_, ok = table.Lookup("missing")
	assert.False(t, ok)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(`[{"name":"f","instructions":3,"allocSites":[7]}]`), 0o644))
	table, err := Load(path)
	require.NoError(t, err)
	s, ok := table.Lookup("f")
	require.True(t, ok)
	assert.Equal(t, []int{7}, s.AllocSites)
}

func TestLoadRejectsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tsv")
	require.NoError(t, ioutil.WriteFile(path, []byte("main\tmany\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = NewTable([]Summary{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}

func TestWeight(t *testing.T) {
	var empty Table
	assert.Equal(t, 1.0, empty.Weight("anything"))

	table, err := NewTable([]Summary{{Name: "big", Instructions: 100}})
	require.NoError(t, err)
	assert.InDelta(t, 1+math.Log(101), table.Weight("big"), 1e-12)
	assert.Equal(t, 1.0, Summary{}.Weight())
}
