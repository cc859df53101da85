package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// CredentialStore defines the driven port for delegated OAuth credentials and
// their linked identities. Token values cross this boundary as plaintext; the
// adapter seals them at rest.
type CredentialStore interface {
	// Save inserts a credential and returns it with its assigned ID.
	Save(ctx context.Context, cred model.ProviderCredential) (model.ProviderCredential, error)
	// LatestActive returns the newest active credential for (user, provider),
	// or nil if none exists.
	LatestActive(ctx context.Context, userID, provider string) (*model.ProviderCredential, error)
	// UpdateTokens persists a refreshed grant. An empty refresh token or scope
	// set in grant leaves the stored value unchanged.
	UpdateTokens(ctx context.Context, id int64, grant model.TokenGrant, updatedAt time.Time) error
	// UpdateRefreshToken stores a rotated refresh token and leaves the access
	// token untouched.
	UpdateRefreshToken(ctx context.Context, id int64, refreshToken string, updatedAt time.Time) error
	// Deactivate marks a credential inactive.
	Deactivate(ctx context.Context, id int64) error
	// UpsertIdentity links a normalized profile to a credential.
	UpsertIdentity(ctx context.Context, identity model.ProviderIdentity) error
	// IdentityFor returns the identity linked to the newest active credential
	// for (user, provider), or nil.
	IdentityFor(ctx context.Context, userID, provider string) (*model.ProviderIdentity, error)
}
