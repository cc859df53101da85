package sandbox

import (
	"context"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// Capabilities reach plugin code only through these interfaces. The
// implementations are unexported, so plugin code can neither construct one
// nor overwrite the one its host holds.

// HTTP makes outbound requests restricted to the manifest's egress allowlist.
type HTTP interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Identity exposes who the plugin runs for.
type Identity interface {
	UserID() string
	Identity(ctx context.Context, provider string) (*model.ProviderIdentity, error)
}

// Auth hands plugin code provider tokens. Every method returns "" without an
// error when the user has no usable credential or the plugin may not use it.
type Auth interface {
	UserToken(ctx context.Context, provider string, scopes []string) (string, error)
	DelegatedToken(ctx context.Context, provider string, scopes []string, subject string) (string, error)
	ServiceAccountToken(ctx context.Context, provider string, scopes []string) (string, error)
	OperationToken(ctx context.Context) (string, error)
}

// Secrets reads plugin secrets. The scope each key may resolve from is fixed
// by the operation's declaration; undeclared keys use system_or_user.
type Secrets interface {
	Get(ctx context.Context, key string) (string, error)
}

// Knowledge normalizes documents to plain text and upserts them into the
// knowledge sink, keyed by (plugin, user, source id).
type Knowledge interface {
	Ingest(ctx context.Context, doc Document) error
}

// Storage is the plugin's key-value space. User scope is private to the
// acting user; system scope is shared by every user of the plugin.
type Storage interface {
	Get(ctx context.Context, scope model.StorageScope, key string) ([]byte, bool, error)
	Put(ctx context.Context, scope model.StorageScope, key string, value []byte) error
	Delete(ctx context.Context, scope model.StorageScope, key string) error
	ListKeys(ctx context.Context, scope model.StorageScope) ([]string, error)
	ListMeta(ctx context.Context, scope model.StorageScope) ([]model.StorageMeta, error)
}

// Cursor stores ingestion position markers. Markers are per user when the
// invocation has one and per plugin otherwise.
type Cursor interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
	Clear(ctx context.Context, name string) error
}

// Cache is a per-plugin, per-user view of the process cache. Plugins cannot
// see each other's entries. Nothing survives a restart.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// OCR extracts text from images.
type OCR interface {
	Extract(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Log writes plugin messages tagged with the invocation's identity. Every
// message is mirrored to diagnostics.
type Log interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Util bundles stateless helpers.
type Util interface {
	NewID() string
	Now() time.Time
	MarkdownToHTML(src string) string
	HTMLToText(src string) string
	Hash(data []byte) string
}

var (
	_ HTTP      = (*httpCap)(nil)
	_ Identity  = (*identityCap)(nil)
	_ Auth      = (*authCap)(nil)
	_ Secrets   = (*secretsCap)(nil)
	_ Knowledge = (*knowledgeCap)(nil)
	_ Storage   = (*storageCap)(nil)
	_ Cursor    = (*cursorCap)(nil)
	_ Cache     = (*cacheCap)(nil)
	_ OCR       = (*ocrCap)(nil)
	_ Log       = (*logCap)(nil)
	_ Util      = (*utilCap)(nil)
)
