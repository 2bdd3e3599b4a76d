// Package scanner keeps the set of post sources available to a pipeline.
package scanner

import (
	"fmt"
	"slices"
	"sync"

	"MarketSignals/internal/ports"
)

// Registry keeps a mapping from source names to their implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]ports.PostSource
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]ports.PostSource{}}
}

// Register adds or replaces a source implementation.
func (r *Registry) Register(src ports.PostSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sources == nil {
		r.sources = map[string]ports.PostSource{}
	}
	r.sources[src.Name()] = src
}

// Resolve returns a source by name or an error if it is absent.
func (r *Registry) Resolve(name string) (ports.PostSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.sources[name]; ok {
		return src, nil
	}
	return nil, fmt.Errorf("source %s is not registered", name)
}

// Names lists registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
