package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Broker defaults.
const (
	DefaultRefreshMargin   = 5 * time.Minute
	DefaultTokenCacheSize  = 1024
	serviceTokenExpirySkew = 60 * time.Second
	refreshTimeout         = 30 * time.Second
)

// DelegationStatus.Status values.
const (
	DelegationReady          = "ready"
	DelegationNotConfigured  = "not_configured"
	DelegationExchangeFailed = "exchange_failed"
	DelegationUnsupported    = "provider_not_supported"
)

// TokenCache holds minted service-account tokens and down-scoped user tokens
// until shortly before they expire. It is bounded and process-local.
type TokenCache struct {
	c *ttlcache.Cache[string, string]
}

// NewTokenCache creates a cache holding at most capacity tokens.
func NewTokenCache(capacity uint64) *TokenCache {
	if capacity == 0 {
		capacity = DefaultTokenCacheSize
	}
	return &TokenCache{
		c: ttlcache.New(
			ttlcache.WithCapacity[string, string](capacity),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Get returns a live token for key.
func (c *TokenCache) Get(key string) (string, bool) {
	item := c.c.Get(key)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

// Put caches token for ttl. Non-positive ttls are not cached.
func (c *TokenCache) Put(key, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.c.Set(key, token, ttl)
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int { return c.c.Len() }

// BrokerOptions tune the TokenBroker.
type BrokerOptions struct {
	// RefreshMargin is how close to expiry a user token is refreshed.
	RefreshMargin time.Duration
	// DownscopeRefresh requests only the operation's scopes on refresh.
	DownscopeRefresh bool
	// VerifyScopes introspects refreshed tokens and rejects those missing
	// required scopes.
	VerifyScopes bool
	CacheSize    uint64
}

// TokenBroker resolves provider access tokens for the three delegation
// modes: the user's own grant, domain-wide delegation and the provider's
// service identity.
type TokenBroker struct {
	creds     driven.CredentialStore
	providers driven.ProviderRegistry
	diag      *diagnostics.Recorder
	opts      BrokerOptions
	cache     *TokenCache
	narrowed  *TokenCache
	refreshes singleflight.Group
	now       func() time.Time
}

// NewTokenBroker creates a TokenBroker.
func NewTokenBroker(creds driven.CredentialStore, providers driven.ProviderRegistry, diag *diagnostics.Recorder, opts BrokerOptions) *TokenBroker {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	return &TokenBroker{
		creds:     creds,
		providers: providers,
		diag:      diag,
		opts:      opts,
		cache:     NewTokenCache(opts.CacheSize),
		narrowed:  NewTokenCache(opts.CacheSize),
		now:       time.Now,
	}
}

// Resolve returns a token for req according to its mode. domain_delegate
// requires a subject and service_account forbids one.
func (b *TokenBroker) Resolve(ctx context.Context, req model.AuthRequest) (string, error) {
	if _, err := b.providers.Lookup(req.Provider); err != nil {
		return "", err
	}

	switch req.Mode {
	case model.AuthModeUser, "":
		return b.UserToken(ctx, req.UserID, req.Provider, req.Scopes)
	case model.AuthModeDomainDelegate:
		if strings.TrimSpace(req.Subject) == "" {
			return "", model.ErrSubjectRequired
		}
		return b.ServiceAccountToken(ctx, req.Provider, req.Scopes, strings.TrimSpace(req.Subject))
	case model.AuthModeServiceAccount:
		if req.Subject != "" {
			return "", model.ErrSubjectForbidden
		}
		return b.ServiceAccountToken(ctx, req.Provider, req.Scopes, "")
	default:
		return "", fmt.Errorf("unknown auth mode %q", req.Mode)
	}
}

// UserToken returns the user's access token for provider, refreshing it when
// it is missing or close to expiry. It returns "" without an error when the
// user has no credential, the credential lacks a required scope, or the
// grant has been revoked. Transport failures during refresh are returned.
//
// With DownscopeRefresh a refresh requests only the required scopes. The
// narrowed access token is held in memory per (credential, scope set) and
// never replaces the stored one.
func (b *TokenBroker) UserToken(ctx context.Context, userID, provider string, required []string) (string, error) {
	adapter, err := b.providers.Lookup(provider)
	if err != nil {
		return "", err
	}
	key := adapter.Key()

	cred, err := b.creds.LatestActive(ctx, userID, key)
	if err != nil {
		return "", fmt.Errorf("loading %s credential: %w", key, err)
	}
	if cred == nil || !cred.HasScopes(required) {
		return "", nil
	}

	now := b.now()
	if cred.RefreshToken == "" || !cred.ExpiresWithin(now, b.opts.RefreshMargin) {
		if !usable(cred.AccessToken, cred.ExpiresAt, now) {
			return "", nil
		}
		return cred.AccessToken, nil
	}

	if b.opts.DownscopeRefresh && len(required) > 0 {
		return b.downscopedToken(ctx, adapter, *cred, required)
	}

	cred, err = b.refresh(ctx, adapter, *cred)
	if err != nil {
		return "", err
	}
	if cred == nil || !cred.HasScopes(required) || !usable(cred.AccessToken, cred.ExpiresAt, b.now()) {
		return "", nil
	}
	if b.opts.VerifyScopes && !b.verifyScopes(ctx, adapter, cred.AccessToken, required) {
		return "", nil
	}
	return cred.AccessToken, nil
}

func usable(token string, expiresAt, now time.Time) bool {
	return token != "" && (expiresAt.IsZero() || now.Before(expiresAt))
}

// refresh exchanges the credential's refresh token for a full grant and
// persists it. Concurrent refreshes of the same credential share one
// exchange. A nil credential means the grant was revoked and the credential
// has been deactivated.
func (b *TokenBroker) refresh(ctx context.Context, adapter driven.ProviderAdapter, cred model.ProviderCredential) (*model.ProviderCredential, error) {
	v, err := b.shared(ctx, "full|"+strconv.FormatInt(cred.ID, 10), func(ctx context.Context) (any, error) {
		grant, err := b.exchange(ctx, adapter, cred, cred.Scopes)
		if err != nil || grant == nil {
			return (*model.ProviderCredential)(nil), err
		}
		if err := b.creds.UpdateTokens(ctx, cred.ID, *grant, b.now()); err != nil {
			return nil, fmt.Errorf("persisting refreshed %s token: %w", adapter.Key(), err)
		}

		updated := cred
		updated.AccessToken = grant.AccessToken
		updated.ExpiresAt = grant.ExpiresAt
		if grant.RefreshToken != "" {
			updated.RefreshToken = grant.RefreshToken
		}
		if len(grant.Scopes) > 0 {
			updated.Scopes = grant.Scopes
		}
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ProviderCredential), nil
}

// downscopedToken returns a token narrowed to required. Only a rotated
// refresh token is persisted.
func (b *TokenBroker) downscopedToken(ctx context.Context, adapter driven.ProviderAdapter, cred model.ProviderCredential, required []string) (string, error) {
	scopes := slices.Clone(required)
	slices.Sort(scopes)
	scopes = slices.Compact(scopes)
	key := strconv.FormatInt(cred.ID, 10) + "|" + strings.Join(scopes, " ")

	if tok, ok := b.narrowed.Get(key); ok {
		return tok, nil
	}

	v, err := b.shared(ctx, "narrow|"+key, func(ctx context.Context) (any, error) {
		grant, err := b.exchange(ctx, adapter, cred, scopes)
		if err != nil || grant == nil {
			return (*model.TokenGrant)(nil), err
		}
		if grant.RefreshToken != "" && grant.RefreshToken != cred.RefreshToken {
			if err := b.creds.UpdateRefreshToken(ctx, cred.ID, grant.RefreshToken, b.now()); err != nil {
				return nil, fmt.Errorf("persisting rotated %s refresh token: %w", adapter.Key(), err)
			}
		}
		if !grant.ExpiresAt.IsZero() {
			b.narrowed.Put(key, grant.AccessToken, grant.ExpiresAt.Sub(b.now())-b.opts.RefreshMargin)
		}
		return grant, nil
	})
	if err != nil {
		return "", err
	}

	grant := v.(*model.TokenGrant)
	if grant == nil || !usable(grant.AccessToken, grant.ExpiresAt, b.now()) {
		return "", nil
	}
	if b.opts.VerifyScopes && !b.verifyScopes(ctx, adapter, grant.AccessToken, scopes) {
		return "", nil
	}
	return grant.AccessToken, nil
}

// exchange calls the provider's token endpoint. A revoked grant deactivates
// the credential and yields a nil grant.
func (b *TokenBroker) exchange(ctx context.Context, adapter driven.ProviderAdapter, cred model.ProviderCredential, scopes []string) (*model.TokenGrant, error) {
	grant, err := adapter.Refresh(ctx, cred.RefreshToken, scopes)
	if errors.Is(err, model.ErrGrantRevoked) {
		slog.Warn("refresh grant revoked; deactivating credential",
			"provider", adapter.Key(), "user_id", cred.UserID, "credential_id", cred.ID)
		b.emitToken(diagnostics.EventTokenError, slog.LevelWarn, cred.UserID, adapter.Key(), "revoked")
		if err := b.creds.Deactivate(ctx, cred.ID); err != nil {
			return nil, fmt.Errorf("deactivating revoked credential: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		b.emitToken(diagnostics.EventTokenError, slog.LevelWarn, cred.UserID, adapter.Key(), "refresh_failed")
		return nil, fmt.Errorf("refreshing %s token: %w", adapter.Key(), err)
	}
	b.emitToken(diagnostics.EventTokenRefreshed, slog.LevelInfo, cred.UserID, adapter.Key(), "")
	return &grant, nil
}

// shared runs fn once for concurrent callers with the same key. fn runs
// detached from any single caller's cancellation, bounded by
// refreshTimeout; each caller still stops waiting when its own ctx ends.
func (b *TokenBroker) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := b.refreshes.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *TokenBroker) verifyScopes(ctx context.Context, adapter driven.ProviderAdapter, token string, required []string) bool {
	live, err := adapter.Introspect(ctx, token)
	if errors.Is(err, driven.ErrIntrospectionUnsupported) {
		return true
	}
	if err != nil {
		slog.Warn("token introspection failed", "provider", adapter.Key(), "error", err)
		return false
	}
	return model.ScopesSatisfy(live, required)
}

// ServiceAccountToken mints a token from the provider's service identity,
// impersonating subject when it is non-empty. Tokens are cached until one
// minute before they expire.
func (b *TokenBroker) ServiceAccountToken(ctx context.Context, provider string, scopes []string, subject string) (string, error) {
	adapter, err := b.providers.Lookup(provider)
	if err != nil {
		return "", err
	}
	sa := adapter.ServiceAccount()
	if sa == nil {
		return "", fmt.Errorf("%s: %w", adapter.Key(), model.ErrServiceAccountUnset)
	}

	key := serviceTokenKey(sa, subject, scopes)
	if tok, ok := b.cache.Get(key); ok {
		return tok, nil
	}

	grant, err := sa.Exchange(ctx, scopes, subject)
	if err != nil {
		b.emitToken(diagnostics.EventTokenError, slog.LevelWarn, "", adapter.Key(), "exchange_failed")
		return "", fmt.Errorf("%s service account exchange: %w", adapter.Key(), err)
	}

	if !grant.ExpiresAt.IsZero() {
		b.cache.Put(key, grant.AccessToken, grant.ExpiresAt.Sub(b.now())-serviceTokenExpirySkew)
	}
	b.emitToken(diagnostics.EventTokenIssued, slog.LevelInfo, "", adapter.Key(), "")
	return grant.AccessToken, nil
}

func serviceTokenKey(sa driven.ServiceAccount, subject string, scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join([]string{
		sa.TokenURL(), sa.Issuer(), subject, strings.Join(sorted, " "), sa.Fingerprint(),
	}, "|")
}

// DelegationStatus reports whether a service identity can mint a token.
type DelegationStatus struct {
	Ready   bool   `json:"ready"`
	Status  string `json:"status"`
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DelegationCheck performs a fresh exchange, bypassing the cache, and
// reports the outcome. It never returns an error.
func (b *TokenBroker) DelegationCheck(ctx context.Context, provider string, scopes []string, subject string) DelegationStatus {
	status := DelegationStatus{Subject: subject}

	adapter, err := b.providers.Lookup(provider)
	if err != nil {
		status.Status = DelegationUnsupported
		status.Error = err.Error()
		return status
	}
	sa := adapter.ServiceAccount()
	if sa == nil {
		status.Status = DelegationNotConfigured
		status.Error = model.ErrServiceAccountUnset.Error()
		return status
	}
	status.Issuer = sa.Issuer()

	if _, err := sa.Exchange(ctx, scopes, subject); err != nil {
		slog.Warn("delegation check failed", "provider", adapter.Key(), "subject", subject, "error", err)
		status.Status = DelegationExchangeFailed
		status.Error = err.Error()
		return status
	}
	status.Ready = true
	status.Status = DelegationReady
	return status
}

func (b *TokenBroker) emitToken(event string, level slog.Level, userID, provider, reason string) {
	fields := map[string]any{"provider": provider}
	if reason != "" {
		fields["reason"] = reason
	}
	b.diag.Emit(diagnostics.Event{Event: event, Level: level, UserID: userID, Fields: fields})
}
