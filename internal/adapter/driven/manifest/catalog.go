package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PluginCatalog = (*Catalog)(nil)

// Catalog serves manifests loaded from a directory of YAML files.
type Catalog struct {
	dir string

	mu        sync.RWMutex
	manifests map[string]model.Manifest
}

// NewCatalog creates a catalog holding the given manifests. dir may be empty
// when the catalog is not backed by files.
func NewCatalog(dir string, manifests ...model.Manifest) *Catalog {
	c := &Catalog{dir: dir, manifests: make(map[string]model.Manifest, len(manifests))}
	for _, m := range manifests {
		c.manifests[m.Name] = m
	}
	return c
}

// LoadDir reads every *.yaml and *.yml file in dir.
func LoadDir(dir string) (*Catalog, error) {
	c := NewCatalog(dir)
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the manifest directory and swaps the catalog contents. On
// error the previous contents are kept.
func (c *Catalog) Reload() error {
	if c.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading manifest dir %s: %w", c.dir, err)
	}

	loaded := make(map[string]model.Manifest, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading manifest %s: %w", path, err)
		}

		m, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := loaded[m.Name]; dup {
			return fmt.Errorf("%s: duplicate plugin name %q", path, m.Name)
		}
		loaded[m.Name] = *m
	}

	c.mu.Lock()
	c.manifests = loaded
	c.mu.Unlock()

	slog.Info("plugin manifests loaded", "dir", c.dir, "count", len(loaded))
	return nil
}

// Get returns the manifest for name or model.ErrNotFound.
func (c *Catalog) Get(_ context.Context, name string) (*model.Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.manifests[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, model.ErrNotFound)
	}
	return &m, nil
}

// List returns every manifest ordered by name.
func (c *Catalog) List(_ context.Context) ([]model.Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.Manifest) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}
