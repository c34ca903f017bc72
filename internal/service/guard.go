package service

import (
	"sort"
	"sync"
)

// ProcessingGuard tracks broadcast ids currently being executed so the
// claim sweep never starts the same job twice in this process.
type ProcessingGuard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewProcessingGuard() *ProcessingGuard {
	return &ProcessingGuard{ids: make(map[string]struct{})}
}

// TryAcquire inserts id and reports whether it was absent.
func (g *ProcessingGuard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.ids[id]; ok {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *ProcessingGuard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ids, id)
}

func (g *ProcessingGuard) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.ids[id]
	return ok
}

func (g *ProcessingGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ids)
}

// IDs returns the in-flight ids in sorted order.
func (g *ProcessingGuard) IDs() []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.ids))
	for id := range g.ids {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}
