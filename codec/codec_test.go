package codec

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpgraph/graph"
)

type added struct {
	src, dst graph.VertexID
	data     interface{}
	edge     bool
}

type recorder struct{ items []added }

func (r *recorder) AddVertex(id graph.VertexID, data interface{}) error {
	r.items = append(r.items, added{src: id, data: data})
	return nil
}

func (r *recorder) AddEdge(src, dst graph.VertexID, data interface{}) error {
	r.items = append(r.items, added{src: src, dst: dst, data: data, edge: true})
	return nil
}

func (r *recorder) edges() []added {
	var out []added
	for _, it := range r.items {
		if it.edge {
			out = append(out, it)
		}
	}
	return out
}

func TestParseHex(t *testing.T) {
	r := &recorder{}
	require.NoError(t, ParseHex(r, "f", "0x1f"))
	require.NoError(t, ParseHex(r, "f", "0x2a {main}"))
	require.NoError(t, ParseHex(r, "f", "  0x1 -> 0x2  "))
	require.NoError(t, ParseHex(r, "f", "0x1 -> 0x3 {0.5}"))
	require.NoError(t, ParseHex(r, "f", "# comment"))
	require.NoError(t, ParseHex(r, "f", ""))

	assert.Equal(t, added{src: 0x1f}, r.items[0])
	assert.Equal(t, added{src: 0x2a, data: "main"}, r.items[1])
	assert.Equal(t, []added{
		{src: 1, dst: 2, edge: true},
		{src: 1, dst: 3, data: 0.5, edge: true},
	}, r.edges())
	assert.Len(t, r.items, 2+3+3)
}

func TestParseHexMalformed(t *testing.T) {
	for _, line := range []string{
		"0xzz",
		"0x1 -> ",
		"0x1 => 0x2",
		"0x1 -> 0x2 0x3",
		"0x1 {unterminated",
		"0x1 {a} trailing",
		"0x1 -> 0xq",
	} {
		var perr *ParseError
		assert.True(t, errors.As(ParseHex(&recorder{}, "f", line), &perr), "line %q", line)
	}
}

func TestParseSNAP(t *testing.T) {
	r := &recorder{}
	require.NoError(t, ParseSNAP(r, "f", "# FromNodeId\tToNodeId"))
	require.NoError(t, ParseSNAP(r, "f", "3\t4"))
	require.NoError(t, ParseSNAP(r, "f", "4 5 2.5"))
	assert.Equal(t, []added{
		{src: 3, dst: 4, edge: true},
		{src: 4, dst: 5, data: 2.5, edge: true},
	}, r.edges())

	var perr *ParseError
	assert.True(t, errors.As(ParseSNAP(r, "f", "3"), &perr))
	assert.True(t, errors.As(ParseSNAP(r, "f", "a b"), &perr))
	assert.True(t, errors.As(ParseSNAP(r, "f", "1 2 x"), &perr))
}

func TestParseVertexData(t *testing.T) {
	r := &recorder{}
	require.NoError(t, ParseVertexData(r, "f", "7\t0.25"))
	require.NoError(t, ParseVertexData(r, "f", "8\tmain"))
	assert.Equal(t, []added{{src: 7, data: 0.25}, {src: 8, data: "main"}}, r.items)

	var perr *ParseError
	assert.True(t, errors.As(ParseVertexData(r, "f", "7 0.25"), &perr))
}

func TestLoadReportsLineNumbers(t *testing.T) {
	input := "0x1\n0x2\n\nbogus line here\n0x3\n"
	r := &recorder{}
	_, err := Load(context.Background(), r, strings.NewReader(input), "graph.txt", ParseHex)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "graph.txt", perr.File)
	assert.Equal(t, 4, perr.Line)
	assert.Len(t, r.items, 2, "load stops at the bad line")
}

type failingBuilder struct{ recorder }

func (f *failingBuilder) AddEdge(src, dst graph.VertexID, data interface{}) error {
	return &graph.DuplicateEdgeError{Source: src, Target: dst}
}

func TestLoadKeepsBuilderErrors(t *testing.T) {
	_, err := Load(context.Background(), &failingBuilder{}, strings.NewReader("1 2\n"), "g", ParseSNAP)
	var dup *graph.DuplicateEdgeError
	require.True(t, errors.As(err, &dup))
	var perr *ParseError
	assert.False(t, errors.As(err, &perr))
}

func TestLookup(t *testing.T) {
	for _, f := range []string{"hex", "snap", "tsv", "vdata", "HEX"} {
		_, err := Lookup(f)
		assert.NoError(t, err, f)
	}
	_, err := Lookup("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestLoadPathDealsFilesRoundRobin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "a.txt"), []byte("1 2\n"), 0o644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "b.txt"), []byte("3 4\n"), 0o644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, ".hidden"), []byte("junk\n"), 0o644))

	f, err := os.Create(filepath.Join(dir, "c.txt.gz"))
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("5 6\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	r0, r1 := &recorder{}, &recorder{}
	_, err = LoadPath(context.Background(), r0, dir, "snap", 0, 2)
	require.NoError(t, err)
	_, err = LoadPath(context.Background(), r1, dir, "snap", 1, 2)
	require.NoError(t, err)

	assert.Equal(t, []added{{src: 1, dst: 2, edge: true}, {src: 5, dst: 6, edge: true}}, r0.edges())
	assert.Equal(t, []added{{src: 3, dst: 4, edge: true}}, r1.edges())
}

func TestLoadPathSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.hex")
	require.NoError(t, ioutil.WriteFile(path, []byte("0x1 -> 0x2\n0x2 -> 0x1\n"), 0o644))
	r := &recorder{}
	n, err := LoadPath(context.Background(), r, path, "hex", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.edges(), 2)
}
