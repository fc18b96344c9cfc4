// Package summary holds per-function structural summaries of an analysed
// program: instruction counts, allocation sites, and basic blocks.
package summary

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Summary struct {
	Name         string `json:"name"`
	Instructions int    `json:"instructions"`
	BasicBlocks  int    `json:"basicBlocks,omitempty"`
	AllocSites   []int  `json:"allocSites,omitempty"`
}

// Weight grows with the size of the function and is 1 for an empty one.
func (s Summary) Weight() float64 {
	return 1 + math.Log1p(float64(s.Instructions))
}

// Table is an immutable name to summary lookup. The zero value is empty
// and usable.
type Table struct {
	byName map[string]Summary
}

func NewTable(summaries []Summary) (Table, error) {
	t := Table{byName: make(map[string]Summary, len(summaries))}
	for _, s := range summaries {
		if s.Name == "" {
			return Table{}, errors.New("summary: entry without a name")
		}
		if _, ok := t.byName[s.Name]; ok {
			return Table{}, errors.Errorf("summary: duplicate entry for %q", s.Name)
		}
		s.AllocSites = append([]int(nil), s.AllocSites...)
		t.byName[s.Name] = s
	}
	return t, nil
}

func (t Table) Lookup(name string) (Summary, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// Weight is the weight of name, or 1 when it is unknown.
func (t Table) Weight(name string) float64 {
	if s, ok := t.byName[name]; ok {
		return s.Weight()
	}
	return 1
}

func (t Table) Len() int { return len(t.byName) }

// TotalAllocSites counts allocation sites across the whole program.
func (t Table) TotalAllocSites() int {
	n := 0
	for _, s := range t.byName {
		n += len(s.AllocSites)
	}
	return n
}

// Load reads a JSON array of summaries (*.json) or tab separated lines of
// "name instructions [site,site,...]".
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, errors.Wrapf(err, "summary: open %s", path)
	}
	defer f.Close()
	var entries []Summary
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.NewDecoder(f).Decode(&entries); err != nil {
			return Table{}, errors.Wrapf(err, "summary: decode %s", path)
		}
	} else if entries, err = parseTSV(f); err != nil {
		return Table{}, errors.Wrapf(err, "summary: %s", path)
	}
	return NewTable(entries)
}

func parseTSV(r io.Reader) ([]Summary, error) {
	var entries []Summary
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errors.Errorf("line %d: want 2 or 3 fields, got %d", line, len(fields))
		}
		n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		s := Summary{Name: strings.TrimSpace(fields[0]), Instructions: n}
		if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" {
			for _, site := range strings.Split(fields[2], ",") {
				id, err := strconv.Atoi(strings.TrimSpace(site))
				if err != nil {
					return nil, errors.Wrapf(err, "line %d", line)
				}
				s.AllocSites = append(s.AllocSites, id)
			}
		}
		entries = append(entries, s)
	}
	return entries, sc.Err()
}
