// Package codec turns line-oriented text into vertices and edges.
package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"warpgraph/graph"
)

// LineParser feeds one line of input into b. Blank lines and comments are
// skipped by the parsers themselves.
type LineParser func(b graph.Builder, filename, line string) error

// ParseError is a malformed input line. Loading stops at the first one.
type ParseError struct {
	File string
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("codec: %s:%d: %v: %q", e.File, e.Line, e.Err, e.Text)
	}
	return fmt.Sprintf("codec: %s: %v: %q", e.File, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	ErrUnknownFormat = errors.New("codec: unknown format")
	errFields        = errors.New("unexpected fields")
	errPayload       = errors.New("unterminated payload")
)

func malformed(filename, line string, err error) error {
	return &ParseError{File: filename, Text: line, Err: err}
}

var parsers = map[string]LineParser{
	"hex":   ParseHex,
	"snap":  ParseSNAP,
	"tsv":   ParseSNAP,
	"vdata": ParseVertexData,
}

// Lookup returns the parser registered for format.
func Lookup(format string) (LineParser, error) {
	p, ok := parsers[strings.ToLower(format)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q (known: %s)", format, strings.Join(Formats(), ", "))
	}
	return p, nil
}

func Formats() []string {
	names := make([]string, 0, len(parsers))
	for name := range parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func skip(line string) bool {
	return line == "" || line[0] == '#' || line[0] == '%'
}

// payload reads free text as a float when it is one and as a label
// otherwise. Empty text is no payload.
func payload(text string) interface{} {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return text
}

func hexID(tok string) (graph.VertexID, error) {
	tok = strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	return strconv.ParseUint(tok, 16, 64)
}

// ParseHex reads "0x1f", "0x1f -> 0x2a", either optionally followed by a
// {payload}. Edge lines also declare both endpoints.
func ParseHex(b graph.Builder, filename, line string) error {
	text := strings.TrimSpace(line)
	if skip(text) {
		return nil
	}
	var data interface{}
	if open := strings.IndexByte(text, '{'); open >= 0 {
		end := strings.LastIndexByte(text, '}')
		if end < open || strings.TrimSpace(text[end+1:]) != "" {
			return malformed(filename, line, errPayload)
		}
		data = payload(text[open+1 : end])
		text = text[:open]
	}
	fields := strings.Fields(text)
	switch {
	case len(fields) == 1:
		id, err := hexID(fields[0])
		if err != nil {
			return malformed(filename, line, err)
		}
		return b.AddVertex(id, data)
	case len(fields) == 3 && fields[1] == "->":
		src, err := hexID(fields[0])
		if err != nil {
			return malformed(filename, line, err)
		}
		dst, err := hexID(fields[2])
		if err != nil {
			return malformed(filename, line, err)
		}
		return addEdge(b, src, dst, data)
	}
	return malformed(filename, line, errFields)
}

// ParseSNAP reads decimal "src dst [weight]" edge lines.
func ParseSNAP(b graph.Builder, filename, line string) error {
	text := strings.TrimSpace(line)
	if skip(text) {
		return nil
	}
	fields := strings.Fields(text)
	if len(fields) < 2 || len(fields) > 3 {
		return malformed(filename, line, errFields)
	}
	src, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return malformed(filename, line, err)
	}
	dst, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return malformed(filename, line, err)
	}
	var data interface{}
	if len(fields) == 3 {
		w, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return malformed(filename, line, err)
		}
		data = w
	}
	return addEdge(b, src, dst, data)
}

// ParseVertexData reads "id<TAB>value" lines as written by the PageRank
// writer.
func ParseVertexData(b graph.Builder, filename, line string) error {
	text := strings.TrimRight(line, "\r\n")
	if skip(strings.TrimSpace(text)) {
		return nil
	}
	parts := strings.SplitN(text, "\t", 2)
	if len(parts) != 2 {
		return malformed(filename, line, errFields)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return malformed(filename, line, err)
	}
	return b.AddVertex(id, payload(parts[1]))
}

func addEdge(b graph.Builder, src, dst graph.VertexID, data interface{}) error {
	if err := b.AddVertex(src, nil); err != nil {
		return err
	}
	if err := b.AddVertex(dst, nil); err != nil {
		return err
	}
	return b.AddEdge(src, dst, data)
}
