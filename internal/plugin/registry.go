// Package plugin hosts in-process plugin handlers and dispatches invocations
// to them by plugin and operation name.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/sandbox"
)

// Compile-time interface satisfaction check.
var _ application.PluginRuntime = (*Registry)(nil)

// ErrNoHandler is returned when no handler is registered for an operation.
var ErrNoHandler = errors.New("no handler registered")

// Handler runs one plugin operation. It sees the world only through host.
type Handler func(ctx context.Context, host *sandbox.Host, params json.RawMessage) (any, error)

// Registry maps (plugin, operation) pairs to handlers. It is safe for
// concurrent use; registering replaces an existing handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func handlerKey(plugin, operation string) string {
	return plugin + "." + operation
}

// Register installs h for plugin's operation.
func (r *Registry) Register(plugin, operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey(plugin, operation)] = h
}

// Invoke dispatches to the handler registered for the host's plugin.
func (r *Registry) Invoke(ctx context.Context, host *sandbox.Host, operation string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[handlerKey(host.Plugin(), operation)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", host.Plugin(), operation, ErrNoHandler)
	}
	return h(ctx, host, params)
}

// Operations returns the registered "plugin.operation" names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
