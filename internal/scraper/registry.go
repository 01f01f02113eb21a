package scraper

import (
	"fmt"
	"sort"
	"sync"

	"trustcheck/internal/domain"
)

// Tier controls how often the scheduler triggers a source.
type Tier string

const (
	Tier1 Tier = "tier1" // critical lists, frequent updates
	Tier2 Tier = "tier2" // important lists, daily or slower
)

// Metadata describes a registered source beyond its fetch config.
type Metadata struct {
	Tier   Tier
	Format domain.DataFormat
}

// Registry maps source identifiers to adapters. It is constructed once at
// startup and passed by reference into the orchestrator and scheduler; there
// is no package-level mutable instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Source]Adapter
	meta     map[domain.Source]Metadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[domain.Source]Adapter),
		meta:     make(map[domain.Source]Metadata),
	}
}

// Register adds an adapter for a source. Registering the same source twice is
// a wiring mistake and panics during startup rather than hiding the conflict.
func (r *Registry) Register(source domain.Source, a Adapter, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[source]; exists {
		panic(fmt.Sprintf("scraper: adapter already registered for %s", source))
	}
	r.adapters[source] = a
	r.meta[source] = meta
}

// Get resolves the adapter for a source.
func (r *Registry) Get(source domain.Source) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	return a, ok
}

// Meta returns registration metadata for a source.
func (r *Registry) Meta(source domain.Source) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[source]
	return m, ok
}

// Sources lists registered sources in stable order.
func (r *Registry) Sources() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Source, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SourcesByTier lists registered sources belonging to the given tier.
func (r *Registry) SourcesByTier(tier Tier) []domain.Source {
	out := make([]domain.Source, 0)
	for _, s := range r.Sources() {
		if m, ok := r.Meta(s); ok && m.Tier == tier {
			out = append(out, s)
		}
	}
	return out
}
