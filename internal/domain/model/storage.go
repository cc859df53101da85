package model

import "time"

// SecretNamespace is the storage namespace holding sealed secret values.
const SecretNamespace = "secret"

// CursorNamespace is the storage namespace holding ingestion position markers.
const CursorNamespace = "cursor"

// StorageKey addresses a single storage entry. OwnerID is required for user
// scope; for system scope it is recorded for audit only and does not take
// part in the key.
type StorageKey struct {
	Scope     StorageScope
	OwnerID   string
	Plugin    string
	Namespace string
	Key       string
}

// OwnerKey returns the owner component used for uniqueness.
func (k StorageKey) OwnerKey() string {
	if k.Scope == ScopeSystem {
		return ""
	}
	return k.OwnerID
}

// StorageEntry is a stored value and its last update time.
type StorageEntry struct {
	StorageKey
	Value     []byte
	UpdatedAt time.Time
}

// StorageMeta describes an entry without its value.
type StorageMeta struct {
	Key       string
	Size      int
	OwnerID   string
	UpdatedAt time.Time
}
