package model

import (
	"slices"
	"time"
)

// ProviderCredential holds a user's delegated OAuth material for one
// provider. Token values are plaintext at the domain boundary; the store
// seals them at rest.
type ProviderCredential struct {
	ID           int64
	UserID       string
	Provider     string
	AccountID    string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasScopes reports whether the granted scopes are a superset of required.
func (c ProviderCredential) HasScopes(required []string) bool {
	return ScopesSatisfy(c.Scopes, required)
}

// ExpiresWithin reports whether the access token is missing or expires
// within d of now. Tokens without a known expiry never expire.
func (c ProviderCredential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(d).After(c.ExpiresAt)
}

// ProviderIdentity is the normalized profile linked to a credential. It is
// used for display and lookup only.
type ProviderIdentity struct {
	CredentialID int64
	Provider     string
	AccountID    string
	Email        string
	DisplayName  string
}

// TokenGrant is the result of a token endpoint exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    time.Time
}

// ScopesSatisfy reports whether granted contains every scope in required.
func ScopesSatisfy(granted, required []string) bool {
	for _, s := range required {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
