package graph

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Writer renders vertices and edges as text. An empty string skips the
// item.
type Writer interface {
	SaveVertex(v *Vertex) string
	SaveEdge(e Edge) string
}

type SaveOptions struct {
	Vertices bool
	Edges    bool
	Gzip     bool
}

// ShardPath names the output file of one rank.
func ShardPath(prefix string, rank uint32, gz bool) string {
	name := fmt.Sprintf("%s.%d", prefix, rank)
	if gz {
		name += ".gz"
	}
	return name
}

// Save writes the local partition to prefix.<rank>, vertices in ascending
// id order followed by their out-edges. It is not collective.
func (g *Graph) Save(ctx context.Context, prefix string, w Writer, opts SaveOptions) (string, error) {
	if !g.part.Finalized() {
		return "", ErrNotFinalized
	}
	path := ShardPath(prefix, g.rank, opts.Gzip)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "graph: create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "graph: create %s", path)
	}
	defer f.Close()

	var out io.Writer = f
	var zw *gzip.Writer
	if opts.Gzip {
		zw = gzip.NewWriter(f)
		out = zw
	}
	bw := bufio.NewWriter(out)
	if err := WritePartition(ctx, g.part, bw, w, opts); err != nil {
		return "", errors.Wrapf(err, "graph: write %s", path)
	}
	if err := bw.Flush(); err != nil {
		return "", errors.Wrapf(err, "graph: write %s", path)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return "", errors.Wrapf(err, "graph: write %s", path)
		}
	}
	return path, errors.Wrapf(f.Close(), "graph: close %s", path)
}

// WritePartition renders p to out.
func WritePartition(ctx context.Context, p *Partition, out io.Writer, w Writer, opts SaveOptions) error {
	var err error
	p.Range(func(v *Vertex) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if opts.Vertices {
			if s := w.SaveVertex(v); s != "" {
				if _, err = io.WriteString(out, s); err != nil {
					return false
				}
			}
		}
		if opts.Edges {
			for _, e := range v.OutEdges() {
				if s := w.SaveEdge(e); s != "" {
					if _, err = io.WriteString(out, s); err != nil {
						return false
					}
				}
			}
		}
		return true
	})
	return err
}
