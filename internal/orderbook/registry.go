package orderbook

import (
	"sort"
	"sync"

	"bookstream/internal/types"
)

// Registry maps asset ids to their replicas. Entries are created lazily
// and never removed for the lifetime of the registry.
type Registry struct {
	mu       sync.RWMutex
	replicas map[types.AssetID]*Replica
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		replicas: make(map[types.AssetID]*Replica),
	}
}

// Get returns the replica for id if one exists
func (g *Registry) Get(id types.AssetID) (*Replica, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.replicas[id]
	return r, ok
}

// GetOrCreate returns the replica for id, creating an empty one on first use
func (g *Registry) GetOrCreate(id types.AssetID) *Replica {
	g.mu.RLock()
	r, ok := g.replicas[id]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.replicas[id]; ok {
		return r
	}
	r = New(id)
	g.replicas[id] = r
	return r
}

// Assets returns the known asset ids in sorted order
func (g *Registry) Assets() []types.AssetID {
	g.mu.RLock()
	ids := make([]types.AssetID, 0, len(g.replicas))
	for id := range g.replicas {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.replicas)
}

// MarkAllStale flags every replica as stale
func (g *Registry) MarkAllStale() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.replicas {
		r.MarkStale()
	}
}
