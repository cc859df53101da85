package sandbox

import (
	"context"
	"errors"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// ErrIdentityUnavailable is returned when the host was built without an
// identity lookup.
var ErrIdentityUnavailable = errors.New("identity lookup not configured")

type identityCap struct {
	owner
	lookup IdentityLookup
}

// UserID returns the acting user, or "" for system executions.
func (i *identityCap) UserID() string { return i.userID }

// Identity returns the profile linked to the user's credential for provider,
// or nil when no credential is linked.
func (i *identityCap) Identity(ctx context.Context, provider string) (*model.ProviderIdentity, error) {
	if i.userID == "" {
		return nil, ErrNoUser
	}
	if i.lookup == nil {
		return nil, ErrIdentityUnavailable
	}
	id, err := i.lookup.Identity(ctx, i.userID, provider)
	if err != nil || id == nil {
		return nil, err
	}
	cp := *id
	return &cp, nil
}
