package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

var (
	// ErrIntrospectionUnsupported is returned by providers that cannot report
	// the scopes carried by a live access token.
	ErrIntrospectionUnsupported = errors.New("token introspection not supported")
	// ErrIdentityUnsupported is returned by providers without a profile endpoint.
	ErrIdentityUnsupported = errors.New("identity profile not supported")
)

// ProviderAdapter speaks one OAuth provider's token dialect.
type ProviderAdapter interface {
	// Key is the normalized provider key the adapter is registered under.
	Key() string
	// Refresh exchanges a refresh token for a new grant. scopes, when
	// non-empty, requests a down-scoped token where the provider allows it.
	Refresh(ctx context.Context, refreshToken string, scopes []string) (model.TokenGrant, error)
	// Introspect returns the scopes an access token actually carries.
	Introspect(ctx context.Context, accessToken string) ([]string, error)
	// FetchIdentity returns the profile of the account owning accessToken.
	FetchIdentity(ctx context.Context, accessToken string) (model.ProviderIdentity, error)
	// ServiceAccount returns the provider's configured service identity, or
	// nil when none is configured.
	ServiceAccount() ServiceAccount
}

// ServiceAccount mints tokens from a signed JWT-bearer assertion.
type ServiceAccount interface {
	Issuer() string
	TokenURL() string
	// Fingerprint identifies the signing key without revealing it.
	Fingerprint() string
	// Exchange signs an assertion for scopes, impersonating subject when it
	// is non-empty, and exchanges it at the token endpoint.
	Exchange(ctx context.Context, scopes []string, subject string) (model.TokenGrant, error)
}

// ProviderRegistry resolves provider keys to adapters.
type ProviderRegistry interface {
	// Lookup returns model.ErrProviderNotSupported for unknown keys.
	Lookup(provider string) (ProviderAdapter, error)
}
