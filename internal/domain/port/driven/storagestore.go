// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// StorageStore defines the driven port for scoped key-value persistence.
// Values are opaque; size policy is enforced above this layer.
type StorageStore interface {
	// Put stores or replaces the value at key.
	Put(ctx context.Context, key model.StorageKey, value []byte) error
	// Get returns the entry at key, or nil if it does not exist.
	Get(ctx context.Context, key model.StorageKey) (*model.StorageEntry, error)
	// Delete removes the entry at key. Deleting a missing entry is not an error.
	Delete(ctx context.Context, key model.StorageKey) error
	// ListKeys returns the keys in a namespace ordered by key. The Key field of
	// prefix is ignored.
	ListKeys(ctx context.Context, prefix model.StorageKey) ([]string, error)
	// ListMeta returns key metadata for a namespace ordered by key.
	ListMeta(ctx context.Context, prefix model.StorageKey) ([]model.StorageMeta, error)
	// PurgeOlderThan deletes entries last updated before cutoff and returns
	// the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
