// Package sandbox builds the per-invocation capability host handed to plugin
// code. A host exposes only the capabilities its manifest declares; reaching
// for anything else fails with *model.CapabilityDeniedError.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// ErrNoUser is returned by user-scoped capabilities when the invocation has
// no acting user.
var ErrNoUser = errors.New("invocation has no user")

// TokenBroker resolves provider tokens for the auth capability.
type TokenBroker interface {
	Resolve(ctx context.Context, req model.AuthRequest) (string, error)
}

// SubscriptionChecker reports whether plugin may use the user's delegated
// credential for provider.
type SubscriptionChecker interface {
	Allowed(ctx context.Context, userID, provider, plugin string) (bool, error)
}

// SecretResolver resolves declared secrets for the secrets capability.
type SecretResolver interface {
	Get(ctx context.Context, userID, plugin, key string, scope model.SecretScope) (string, error)
}

// ObjectStore is the size-governed storage used by the storage and cursor
// capabilities. Get returns nil when the entry does not exist.
type ObjectStore interface {
	Put(ctx context.Context, key model.StorageKey, value []byte) error
	Get(ctx context.Context, key model.StorageKey) (*model.StorageEntry, error)
	Delete(ctx context.Context, key model.StorageKey) error
	ListKeys(ctx context.Context, prefix model.StorageKey) ([]string, error)
	ListMeta(ctx context.Context, prefix model.StorageKey) ([]model.StorageMeta, error)
}

// IdentityLookup returns the profile linked to a user's provider credential.
type IdentityLookup interface {
	Identity(ctx context.Context, userID, provider string) (*model.ProviderIdentity, error)
}

// Deps are the process-wide services capabilities are built on. Nil fields
// are allowed; the capabilities that need them report an error when used.
type Deps struct {
	Broker TokenBroker
	// Subscriptions gates every user-mode token the auth capability hands
	// out. Without it user-mode tokens are refused.
	Subscriptions SubscriptionChecker
	Secrets       SecretResolver
	Storage       ObjectStore
	Identities    IdentityLookup
	Knowledge     driven.KnowledgeSink
	OCR           driven.OCRClient
	// Cache is shared by every plugin; the cache capability namespaces keys
	// per plugin and user.
	Cache       *ttlcache.Cache[string, []byte]
	Diagnostics *diagnostics.Recorder
	// Transport is the base transport wrapped by the egress allowlist.
	Transport        http.RoundTripper
	MaxResponseBytes int64
	Now              func() time.Time
}

// Invocation identifies who is running what.
type Invocation struct {
	Manifest    model.Manifest
	Operation   string
	UserID      string
	ExecutionID string
	// Subject is the impersonation subject resolved from params for
	// domain_delegate operations.
	Subject string
}

// Host is the immutable capability container for one invocation.
type Host struct {
	plugin      string
	userID      string
	executionID string
	caps        map[model.Capability]any
	diag        *diagnostics.Recorder
}

// NewHost constructs exactly the capabilities the manifest declares, plus
// the ones they imply. It performs no I/O.
func NewHost(deps Deps, inv Invocation) *Host {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	op, _ := inv.Manifest.Operation(inv.Operation)
	op.Name = inv.Operation

	owner := owner{
		plugin:      inv.Manifest.Name,
		userID:      inv.UserID,
		executionID: inv.ExecutionID,
	}

	h := &Host{
		plugin:      owner.plugin,
		userID:      owner.userID,
		executionID: owner.executionID,
		caps:        make(map[model.Capability]any),
		diag:        deps.Diagnostics,
	}

	for _, c := range model.ExpandCapabilities(inv.Manifest.Capabilities) {
		switch c {
		case model.CapHTTP:
			h.caps[c] = newHTTP(owner, inv.Manifest.Egress, deps)
		case model.CapIdentity:
			h.caps[c] = &identityCap{owner: owner, lookup: deps.Identities}
		case model.CapAuth:
			h.caps[c] = newAuth(owner, deps, op.Auth, inv.Subject)
		case model.CapSecrets:
			h.caps[c] = &secretsCap{owner: owner, resolver: deps.Secrets, op: op}
		case model.CapKnowledge:
			h.caps[c] = &knowledgeCap{owner: owner, sink: deps.Knowledge, diag: deps.Diagnostics, now: deps.Now}
		case model.CapStorage:
			h.caps[c] = &storageCap{owner: owner, store: deps.Storage}
		case model.CapCursor:
			h.caps[c] = &cursorCap{owner: owner, store: deps.Storage}
		case model.CapCache:
			h.caps[c] = &cacheCap{owner: owner, cache: deps.Cache}
		case model.CapOCR:
			h.caps[c] = &ocrCap{client: deps.OCR}
		case model.CapLog:
			h.caps[c] = newLog(owner, deps.Diagnostics)
		case model.CapUtil:
			h.caps[c] = &utilCap{now: deps.Now}
		}
	}
	return h
}

// owner is the fixed identity every capability of one host carries.
type owner struct {
	plugin      string
	userID      string
	executionID string
}

// Plugin returns the plugin the host was built for.
func (h *Host) Plugin() string { return h.plugin }

// UserID returns the acting user, or "" for system executions.
func (h *Host) UserID() string { return h.userID }

// ExecutionID returns the execution the host serves.
func (h *Host) ExecutionID() string { return h.executionID }

// Capabilities returns the granted capability names, sorted.
func (h *Host) Capabilities() []model.Capability {
	out := make([]model.Capability, 0, len(h.caps))
	for c := range h.caps {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Capability returns the capability instance, or *model.CapabilityDeniedError
// when the manifest does not declare it.
func (h *Host) Capability(c model.Capability) (any, error) {
	if v, ok := h.caps[c]; ok {
		return v, nil
	}

	slog.Warn("capability denied", "plugin", h.plugin, "capability", c)
	h.diag.Emit(diagnostics.Event{
		Event:       diagnostics.EventCapabilityDenied,
		Level:       slog.LevelWarn,
		Plugin:      h.plugin,
		UserID:      h.userID,
		ExecutionID: h.executionID,
		Fields:      map[string]any{"capability": string(c)},
	})
	return nil, &model.CapabilityDeniedError{Plugin: h.plugin, Capability: c}
}

func capability[T any](h *Host, c model.Capability) (T, error) {
	v, err := h.Capability(c)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// HTTP returns the egress-restricted HTTP client.
func (h *Host) HTTP() (HTTP, error) { return capability[HTTP](h, model.CapHTTP) }

// Identity returns the identity capability.
func (h *Host) Identity() (Identity, error) { return capability[Identity](h, model.CapIdentity) }

// Auth returns the token capability.
func (h *Host) Auth() (Auth, error) { return capability[Auth](h, model.CapAuth) }

// Secrets returns the secrets capability.
func (h *Host) Secrets() (Secrets, error) { return capability[Secrets](h, model.CapSecrets) }

// Knowledge returns the knowledge ingestion capability.
func (h *Host) Knowledge() (Knowledge, error) { return capability[Knowledge](h, model.CapKnowledge) }

// Storage returns the scoped storage capability.
func (h *Host) Storage() (Storage, error) { return capability[Storage](h, model.CapStorage) }

// Cursor returns the ingestion cursor capability.
func (h *Host) Cursor() (Cursor, error) { return capability[Cursor](h, model.CapCursor) }

// Cache returns the process cache capability.
func (h *Host) Cache() (Cache, error) { return capability[Cache](h, model.CapCache) }

// OCR returns the OCR capability.
func (h *Host) OCR() (OCR, error) { return capability[OCR](h, model.CapOCR) }

// Log returns the plugin logger.
func (h *Host) Log() (Log, error) { return capability[Log](h, model.CapLog) }

// Util returns the utility capability.
func (h *Host) Util() (Util, error) { return capability[Util](h, model.CapUtil) }
