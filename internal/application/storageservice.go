package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// DefaultMaxObjectBytes is the storage object ceiling used when none is
// configured.
const DefaultMaxObjectBytes = 1 << 20

// maxKeyLength bounds storage keys and namespaces.
const maxKeyLength = 512

// StorageService applies size and key policy on top of the storage port.
// Put, Get and Delete are idempotent.
type StorageService struct {
	store    driven.StorageStore
	maxBytes int
}

// NewStorageService creates a StorageService. maxBytes <= 0 selects
// DefaultMaxObjectBytes.
func NewStorageService(store driven.StorageStore, maxBytes int) *StorageService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &StorageService{store: store, maxBytes: maxBytes}
}

// MaxObjectBytes returns the configured object ceiling.
func (s *StorageService) MaxObjectBytes() int { return s.maxBytes }

// Put stores value at key. Values above the ceiling fail with
// model.ErrObjectTooLarge and leave any previous value untouched.
func (s *StorageService) Put(ctx context.Context, key model.StorageKey, value []byte) error {
	if err := validateStorageKey(key, true); err != nil {
		return err
	}
	if len(value) > s.maxBytes {
		return fmt.Errorf("%s/%s (%d bytes > %d): %w", key.Namespace, key.Key, len(value), s.maxBytes, model.ErrObjectTooLarge)
	}
	return s.store.Put(ctx, key, value)
}

// Get returns the entry at key, or nil when it does not exist.
func (s *StorageService) Get(ctx context.Context, key model.StorageKey) (*model.StorageEntry, error) {
	if err := validateStorageKey(key, true); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, key)
}

// Delete removes the entry at key.
func (s *StorageService) Delete(ctx context.Context, key model.StorageKey) error {
	if err := validateStorageKey(key, true); err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}

// ListKeys returns the keys in the namespace addressed by prefix.
func (s *StorageService) ListKeys(ctx context.Context, prefix model.StorageKey) ([]string, error) {
	if err := validateStorageKey(prefix, false); err != nil {
		return nil, err
	}
	return s.store.ListKeys(ctx, prefix)
}

// ListMeta returns key metadata for the namespace addressed by prefix.
func (s *StorageService) ListMeta(ctx context.Context, prefix model.StorageKey) ([]model.StorageMeta, error) {
	if err := validateStorageKey(prefix, false); err != nil {
		return nil, err
	}
	return s.store.ListMeta(ctx, prefix)
}

// PurgeOlderThan deletes entries not updated within maxAge.
func (s *StorageService) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("purge age must be positive")
	}
	return s.store.PurgeOlderThan(ctx, time.Now().Add(-maxAge))
}

func validateStorageKey(key model.StorageKey, needKey bool) error {
	switch {
	case !key.Scope.Valid():
		return fmt.Errorf("invalid storage scope %q", key.Scope)
	case key.Scope == model.ScopeUser && key.OwnerID == "":
		return errors.New("user-scoped storage requires an owner")
	case key.Plugin == "":
		return errors.New("storage key requires a plugin")
	case key.Namespace == "" || len(key.Namespace) > maxKeyLength:
		return fmt.Errorf("invalid storage namespace %q", key.Namespace)
	case needKey && (strings.TrimSpace(key.Key) == "" || len(key.Key) > maxKeyLength):
		return fmt.Errorf("invalid storage key %q", key.Key)
	}
	return nil
}
