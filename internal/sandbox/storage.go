package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// DataNamespace holds values written through the storage capability.
const DataNamespace = "data"

// ErrStorageUnavailable is returned when the host was built without a store.
var ErrStorageUnavailable = errors.New("storage not configured")

type storageCap struct {
	owner
	store ObjectStore
}

func (s *storageCap) key(scope model.StorageScope, namespace, key string) (model.StorageKey, error) {
	if s.store == nil {
		return model.StorageKey{}, ErrStorageUnavailable
	}
	return scopedKey(s.owner, scope, namespace, key)
}

func scopedKey(o owner, scope model.StorageScope, namespace, key string) (model.StorageKey, error) {
	if !scope.Valid() {
		return model.StorageKey{}, fmt.Errorf("invalid storage scope %q", scope)
	}
	if scope == model.ScopeUser && o.userID == "" {
		return model.StorageKey{}, ErrNoUser
	}
	return model.StorageKey{
		Scope:     scope,
		OwnerID:   o.userID,
		Plugin:    o.plugin,
		Namespace: namespace,
		Key:       key,
	}, nil
}

// Get returns the value at key and whether it exists.
func (s *storageCap) Get(ctx context.Context, scope model.StorageScope, key string) ([]byte, bool, error) {
	k, err := s.key(scope, DataNamespace, key)
	if err != nil {
		return nil, false, err
	}
	entry, err := s.store.Get(ctx, k)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return slices.Clone(entry.Value), true, nil
}

// Put stores value at key, replacing any previous value.
func (s *storageCap) Put(ctx context.Context, scope model.StorageScope, key string, value []byte) error {
	k, err := s.key(scope, DataNamespace, key)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, k, slices.Clone(value))
}

// Delete removes key. Deleting a missing key is not an error.
func (s *storageCap) Delete(ctx context.Context, scope model.StorageScope, key string) error {
	k, err := s.key(scope, DataNamespace, key)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, k)
}

// ListKeys returns the keys in scope, ordered.
func (s *storageCap) ListKeys(ctx context.Context, scope model.StorageScope) ([]string, error) {
	k, err := s.key(scope, DataNamespace, "")
	if err != nil {
		return nil, err
	}
	return s.store.ListKeys(ctx, k)
}

// ListMeta returns key, size and update time for every entry in scope.
func (s *storageCap) ListMeta(ctx context.Context, scope model.StorageScope) ([]model.StorageMeta, error) {
	k, err := s.key(scope, DataNamespace, "")
	if err != nil {
		return nil, err
	}
	return s.store.ListMeta(ctx, k)
}
