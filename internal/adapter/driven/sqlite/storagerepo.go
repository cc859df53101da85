package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StorageStore = (*StorageRepo)(nil)

// StorageRepo is the SQLite implementation of the StorageStore port interface.
type StorageRepo struct {
	db  *DB
	now func() time.Time
}

// NewStorageRepo creates a new StorageRepo backed by the given DB.
func NewStorageRepo(db *DB) *StorageRepo {
	return &StorageRepo{db: db, now: time.Now}
}

// Put stores or replaces the value at key.
func (r *StorageRepo) Put(ctx context.Context, key model.StorageKey, value []byte) error {
	const query = `
		INSERT INTO storage_entries (scope, owner_key, owner_id, plugin, namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, owner_key, plugin, namespace, key) DO UPDATE SET
			owner_id = excluded.owner_id,
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if value == nil {
		value = []byte{}
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		string(key.Scope), key.OwnerKey(), key.OwnerID, key.Plugin, key.Namespace, key.Key,
		value, formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s/%s: %w", key.Plugin, key.Namespace, key.Key, err)
	}
	return nil
}

// Get returns the entry at key, or nil if it does not exist.
func (r *StorageRepo) Get(ctx context.Context, key model.StorageKey) (*model.StorageEntry, error) {
	const query = `
		SELECT owner_id, value, updated_at
		FROM storage_entries
		WHERE scope = ? AND owner_key = ? AND plugin = ? AND namespace = ? AND key = ?
	`

	entry := model.StorageEntry{StorageKey: key}
	var updatedAt string
	err := r.db.Reader.QueryRowContext(ctx, query,
		string(key.Scope), key.OwnerKey(), key.Plugin, key.Namespace, key.Key,
	).Scan(&entry.OwnerID, &entry.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s/%s: %w", key.Plugin, key.Namespace, key.Key, err)
	}

	entry.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry at key. Deleting a missing entry is not an error.
func (r *StorageRepo) Delete(ctx context.Context, key model.StorageKey) error {
	const query = `
		DELETE FROM storage_entries
		WHERE scope = ? AND owner_key = ? AND plugin = ? AND namespace = ? AND key = ?
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		string(key.Scope), key.OwnerKey(), key.Plugin, key.Namespace, key.Key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s/%s: %w", key.Plugin, key.Namespace, key.Key, err)
	}
	return nil
}

// ListKeys returns the keys stored in the namespace addressed by prefix.
func (r *StorageRepo) ListKeys(ctx context.Context, prefix model.StorageKey) ([]string, error) {
	metas, err := r.ListMeta(ctx, prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(metas))
	for _, m := range metas {
		keys = append(keys, m.Key)
	}
	return keys, nil
}

// ListMeta returns key, size and update time for every entry in the namespace
// addressed by prefix, ordered by key.
func (r *StorageRepo) ListMeta(ctx context.Context, prefix model.StorageKey) ([]model.StorageMeta, error) {
	const query = `
		SELECT key, length(value), owner_id, updated_at
		FROM storage_entries
		WHERE scope = ? AND owner_key = ? AND plugin = ? AND namespace = ?
		ORDER BY key
	`

	rows, err := r.db.Reader.QueryContext(ctx, query,
		string(prefix.Scope), prefix.OwnerKey(), prefix.Plugin, prefix.Namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", prefix.Plugin, prefix.Namespace, err)
	}
	defer rows.Close()

	metas := []model.StorageMeta{}
	for rows.Next() {
		var m model.StorageMeta
		var updatedAt string
		if err := rows.Scan(&m.Key, &m.Size, &m.OwnerID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan storage meta: %w", err)
		}
		m.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		metas = append(metas, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate storage meta: %w", err)
	}
	return metas, nil
}

// PurgeOlderThan deletes entries last updated before cutoff.
func (r *StorageRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM storage_entries WHERE updated_at < ?`

	result, err := r.db.Writer.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge storage: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
