package codec

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"warpgraph/graph"
)

const maxLine = 16 << 20

// Load feeds every line of r through parse. A ParseError carries the file
// name and line number; builder errors are wrapped with the same position.
func Load(ctx context.Context, b graph.Builder, r io.Reader, filename string, parse LineParser) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		if err := parse(b, filename, sc.Text()); err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				perr.File, perr.Line = filename, n
				return n, perr
			}
			return n, errors.Wrapf(err, "codec: %s:%d", filename, n)
		}
	}
	return n, errors.Wrapf(sc.Err(), "codec: read %s", filename)
}

// LoadFile loads one file, transparently decompressing .gz files.
func LoadFile(ctx context.Context, b graph.Builder, path string, parse LineParser) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "codec: open %s", path)
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return 0, errors.Wrapf(err, "codec: gunzip %s", path)
		}
		defer zr.Close()
		r = zr
	}
	return Load(ctx, b, r, filepath.Base(path), parse)
}

// ListFiles returns path itself when it is a file, or the sorted regular
// files inside it when it is a directory. Hidden files are skipped.
func ListFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: stat %s", path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: list %s", path)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LoadPath loads this worker's share of path: file i goes to worker
// i mod size. Every worker must see the same listing.
func LoadPath(ctx context.Context, b graph.Builder, path, format string, rank, size uint32) (int, error) {
	parse, err := Lookup(format)
	if err != nil {
		return 0, err
	}
	files, err := ListFiles(path)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		size = 1
	}
	total := 0
	for i, f := range files {
		if uint32(i)%size != rank {
			continue
		}
		n, err := LoadFile(ctx, b, f, parse)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
