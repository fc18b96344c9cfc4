package graph

import "sync"

// GhostCache keeps read-only copies of remote vertices referenced by local
// edges. Entries only move forward in version.
type GhostCache struct {
	mu      sync.RWMutex
	entries map[VertexID]*ghost
}

type ghost struct {
	snap  Snapshot
	valid bool
}

func NewGhostCache() *GhostCache {
	return &GhostCache{entries: make(map[VertexID]*ghost)}
}

// Reserve declares id as a ghost slot. Updates for ids that were never
// reserved are dropped.
func (c *GhostCache) Reserve(id VertexID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		c.entries[id] = &ghost{}
	}
}

func (c *GhostCache) Has(id VertexID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns the cached copy once a value has arrived for id.
func (c *GhostCache) Get(id VertexID) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.entries[id]
	if !ok || !g.valid {
		return Snapshot{}, false
	}
	return g.snap, true
}

// Apply installs s if id is a ghost slot and s is newer than what is held.
func (c *GhostCache) Apply(s Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries[s.ID]
	if !ok {
		return false
	}
	if g.valid && s.Version <= g.snap.Version {
		return false
	}
	g.snap = s
	g.valid = true
	return true
}

func (c *GhostCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
