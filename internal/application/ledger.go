package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Ledger records which plugins a user has allowed to use their delegated
// credentials, and links credentials to provider identities.
//
// A user with no subscriptions for a provider places no restriction on it;
// once any subscription exists the set becomes an allow-list.
type Ledger struct {
	subs      driven.SubscriptionStore
	creds     driven.CredentialStore
	providers driven.ProviderRegistry
	now       func() time.Time
}

// NewLedger creates a Ledger. providers may be nil when identity linking is
// not needed.
func NewLedger(subs driven.SubscriptionStore, creds driven.CredentialStore, providers driven.ProviderRegistry) *Ledger {
	return &Ledger{subs: subs, creds: creds, providers: providers, now: time.Now}
}

// Subscribe allows plugin to use the user's provider credential. It is
// idempotent.
func (l *Ledger) Subscribe(ctx context.Context, userID, provider, plugin, accountID string) (model.Subscription, error) {
	if userID == "" || plugin == "" {
		return model.Subscription{}, errors.New("subscription requires a user and a plugin")
	}
	return l.subs.Add(ctx, model.Subscription{
		UserID:    userID,
		Provider:  model.NormalizeProvider(provider),
		Plugin:    plugin,
		AccountID: accountID,
		CreatedAt: l.now(),
	})
}

// Unsubscribe withdraws the plugin's access. Removing the last subscription
// lifts the restriction entirely.
func (l *Ledger) Unsubscribe(ctx context.Context, userID, provider, plugin string) error {
	return l.subs.Remove(ctx, userID, model.NormalizeProvider(provider), plugin)
}

// Allowed reports whether plugin may use the user's provider credential.
func (l *Ledger) Allowed(ctx context.Context, userID, provider, plugin string) (bool, error) {
	subs, err := l.subs.ListForProvider(ctx, userID, model.NormalizeProvider(provider))
	if err != nil {
		return false, fmt.Errorf("loading subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return true, nil
	}
	return slices.ContainsFunc(subs, func(s model.Subscription) bool {
		return s.Plugin == plugin
	}), nil
}

// LinkCredential stores a newly granted credential and, when the provider
// exposes a profile, links the account identity to it. A failed profile
// fetch does not fail the link.
func (l *Ledger) LinkCredential(ctx context.Context, cred model.ProviderCredential) (model.ProviderCredential, error) {
	if cred.UserID == "" || strings.TrimSpace(cred.Provider) == "" {
		return model.ProviderCredential{}, errors.New("credential requires a user and a provider")
	}

	now := l.now()
	cred.Provider = model.NormalizeProvider(cred.Provider)
	cred.Active = true
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	saved, err := l.creds.Save(ctx, cred)
	if err != nil {
		return model.ProviderCredential{}, fmt.Errorf("saving %s credential: %w", cred.Provider, err)
	}

	if l.providers == nil || saved.AccessToken == "" {
		return saved, nil
	}
	adapter, err := l.providers.Lookup(saved.Provider)
	if err != nil {
		return saved, nil
	}

	identity, err := adapter.FetchIdentity(ctx, saved.AccessToken)
	if errors.Is(err, driven.ErrIdentityUnsupported) {
		return saved, nil
	}
	if err != nil {
		slog.Warn("identity fetch failed", "provider", saved.Provider, "user_id", saved.UserID, "error", err)
		return saved, nil
	}

	identity.CredentialID = saved.ID
	identity.Provider = saved.Provider
	if err := l.creds.UpsertIdentity(ctx, identity); err != nil {
		return saved, fmt.Errorf("linking identity: %w", err)
	}
	if saved.AccountID == "" {
		saved.AccountID = identity.AccountID
	}
	return saved, nil
}

// Identity returns the profile linked to the user's newest active credential
// for provider, or nil.
func (l *Ledger) Identity(ctx context.Context, userID, provider string) (*model.ProviderIdentity, error) {
	return l.creds.IdentityFor(ctx, userID, model.NormalizeProvider(provider))
}
