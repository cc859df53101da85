// Package provider implements OAuth provider adapters and the registry the
// token broker resolves them through.
package provider

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderRegistry = (*Registry)(nil)

// Registry holds adapters keyed by normalized provider key. Adapters may be
// replaced at runtime, e.g. after credentials rotate.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]driven.ProviderAdapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...driven.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[string]driven.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its key.
func (r *Registry) Register(a driven.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[model.NormalizeProvider(a.Key())] = a
}

// Lookup returns the adapter for provider.
func (r *Registry) Lookup(provider string) (driven.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[model.NormalizeProvider(provider)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", provider, model.ErrProviderNotSupported)
	}
	return a, nil
}

// Keys returns the registered provider keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
