package sandbox

import (
	"context"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

type cursorCap struct {
	owner
	store ObjectStore
}

func (c *cursorCap) key(name string) (model.StorageKey, error) {
	if c.store == nil {
		return model.StorageKey{}, ErrStorageUnavailable
	}
	scope := model.ScopeUser
	if c.userID == "" {
		scope = model.ScopeSystem
	}
	return scopedKey(c.owner, scope, model.CursorNamespace, name)
}

// Get returns the marker for name and whether it is set.
func (c *cursorCap) Get(ctx context.Context, name string) (string, bool, error) {
	k, err := c.key(name)
	if err != nil {
		return "", false, err
	}
	entry, err := c.store.Get(ctx, k)
	if err != nil || entry == nil {
		return "", false, err
	}
	return string(entry.Value), true, nil
}

// Set records value as the marker for name.
func (c *cursorCap) Set(ctx context.Context, name, value string) error {
	k, err := c.key(name)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, k, []byte(value))
}

// Clear forgets the marker for name so the next run starts from scratch.
func (c *cursorCap) Clear(ctx context.Context, name string) error {
	k, err := c.key(name)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, k)
}
