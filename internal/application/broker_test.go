package application_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

func userCred(token string, expiresIn time.Duration, scopes ...string) model.ProviderCredential {
	return model.ProviderCredential{
		UserID:       "u1",
		Provider:     "google",
		AccessToken:  token,
		RefreshToken: "rt-1",
		Scopes:       scopes,
		ExpiresAt:    time.Now().Add(expiresIn),
	}
}

func freshGrant(token string, scopes ...string) model.TokenGrant {
	return model.TokenGrant{AccessToken: token, Scopes: scopes, ExpiresAt: time.Now().Add(time.Hour)}
}

func TestTokenBroker_FreshTokenIsNotRefreshed(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-fresh", time.Hour, "calendar"))
	provider := &mockProvider{key: "google"}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", tok)
	assert.Zero(t, provider.refreshCalls.Load())
}

func TestTokenBroker_RefreshesNearExpiry(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", 2*time.Minute, "calendar"))
	provider := &mockProvider{
		key: "google",
		refresh: func(_ context.Context, rt string, scopes []string) (model.TokenGrant, error) {
			assert.Equal(t, "rt-1", rt)
			assert.Equal(t, []string{"calendar"}, scopes)
			return freshGrant("at-new"), nil
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "GSuite", []string{"calendar"})
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok)
	assert.Equal(t, int32(1), provider.refreshCalls.Load())

	stored := creds.stored(1)
	assert.Equal(t, "at-new", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken, "refresh token kept when the grant omits one")
	assert.Equal(t, []string{"calendar"}, stored.Scopes)
}

func TestTokenBroker_MissingScopesSkipsNetwork(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", -time.Minute, "calendar"))
	provider := &mockProvider{key: "google"}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar", "drive"})
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.Zero(t, provider.refreshCalls.Load())
}

func TestTokenBroker_NoCredential(t *testing.T) {
	broker := application.NewTokenBroker(newMockCredentialStore(), newMockRegistry(&mockProvider{key: "google"}), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "google", nil)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenBroker_ExpiredWithoutRefreshToken(t *testing.T) {
	cred := userCred("at-old", -time.Minute, "calendar")
	cred.RefreshToken = ""
	broker := application.NewTokenBroker(newMockCredentialStore(cred), newMockRegistry(&mockProvider{key: "google"}), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenBroker_ConcurrentRefreshesCoalesce(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar"))
	release := make(chan struct{})
	provider := &mockProvider{
		key: "google",
		refresh: func(context.Context, string, []string) (model.TokenGrant, error) {
			<-release
			return freshGrant("at-new"), nil
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
			assert.NoError(t, err)
			tokens[i] = tok
		}()
	}

	require.Eventually(t, func() bool { return creds.lookups.Load() == callers }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), provider.refreshCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "at-new", tok)
	}
}

func TestTokenBroker_RevokedGrantDeactivatesCredential(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar"))
	provider := &mockProvider{
		key: "google",
		refresh: func(context.Context, string, []string) (model.TokenGrant, error) {
			return model.TokenGrant{}, fmt.Errorf("token endpoint: %w", model.ErrGrantRevoked)
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.Equal(t, []int64{1}, creds.deactivated)

	latest, err := creds.LatestActive(context.Background(), "u1", "google")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestTokenBroker_RefreshTransportErrorIsReturned(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar"))
	provider := &mockProvider{
		key: "google",
		refresh: func(context.Context, string, []string) (model.TokenGrant, error) {
			return model.TokenGrant{}, errors.New("connection reset")
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	_, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
	require.Error(t, err)
	assert.Empty(t, creds.deactivated)
}

func TestTokenBroker_DownscopedTokensArePerScopeSet(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar", "drive"))
	var requested [][]string
	provider := &mockProvider{
		key: "google",
		refresh: func(_ context.Context, _ string, scopes []string) (model.TokenGrant, error) {
			requested = append(requested, scopes)
			g := freshGrant("narrow-"+strings.Join(scopes, "+"), scopes...)
			g.RefreshToken = fmt.Sprintf("rt-%d", len(requested)+1)
			return g, nil
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{DownscopeRefresh: true})
	ctx := context.Background()

	calendar, err := broker.UserToken(ctx, "u1", "google", []string{"calendar"})
	require.NoError(t, err)
	assert.Equal(t, "narrow-calendar", calendar)

	drive, err := broker.UserToken(ctx, "u1", "google", []string{"drive"})
	require.NoError(t, err)
	assert.Equal(t, "narrow-drive", drive, "a narrowed token never serves another scope set")

	again, err := broker.UserToken(ctx, "u1", "google", []string{"calendar", "calendar"})
	require.NoError(t, err)
	assert.Equal(t, "narrow-calendar", again)
	assert.Equal(t, [][]string{{"calendar"}, {"drive"}}, requested)

	stored, err := creds.LatestActive(ctx, "u1", "google")
	require.NoError(t, err)
	assert.Empty(t, creds.updates, "narrowed access tokens are not persisted")
	assert.Equal(t, "at-old", stored.AccessToken)
	assert.Equal(t, []string{"calendar", "drive"}, stored.Scopes)
	assert.Equal(t, []string{"rt-2", "rt-3"}, creds.rotations)
	assert.Equal(t, "rt-3", stored.RefreshToken)
}

func TestTokenBroker_SharedRefreshSurvivesCallerCancellation(t *testing.T) {
	creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar"))
	release := make(chan struct{})
	var exchangeErr atomic.Value
	provider := &mockProvider{
		key: "google",
		refresh: func(ctx context.Context, _ string, _ []string) (model.TokenGrant, error) {
			<-release
			if err := ctx.Err(); err != nil {
				exchangeErr.Store(err)
				return model.TokenGrant{}, err
			}
			return freshGrant("at-new"), nil
		},
	}
	broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := broker.UserToken(firstCtx, "u1", "google", []string{"calendar"})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return provider.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar"})
		assert.NoError(t, err)
		second <- tok
	}()
	require.Eventually(t, func() bool { return creds.lookups.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "at-new", <-second)
	assert.Nil(t, exchangeErr.Load(), "the shared exchange is not cancelled with its first caller")
	assert.Equal(t, int32(1), provider.refreshCalls.Load())
}

func TestTokenBroker_VerifyScopesAfterRefresh(t *testing.T) {
	tests := []struct {
		name       string
		introspect func(context.Context, string) ([]string, error)
		want       string
	}{
		{"live scopes satisfy", func(context.Context, string) ([]string, error) {
			return []string{"calendar", "drive"}, nil
		}, "at-new"},
		{"live scopes narrower", func(context.Context, string) ([]string, error) {
			return []string{"calendar"}, nil
		}, ""},
		{"introspection unsupported", nil, "at-new"},
		{"introspection fails", func(context.Context, string) ([]string, error) {
			return nil, errors.New("boom")
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := newMockCredentialStore(userCred("at-old", time.Minute, "calendar", "drive"))
			provider := &mockProvider{
				key: "google",
				refresh: func(context.Context, string, []string) (model.TokenGrant, error) {
					return freshGrant("at-new"), nil
				},
				introspect: tt.introspect,
			}
			broker := application.NewTokenBroker(creds, newMockRegistry(provider), nil, application.BrokerOptions{VerifyScopes: true})

			tok, err := broker.UserToken(context.Background(), "u1", "google", []string{"calendar", "drive"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, tok)
		})
	}
}

func newServiceAccount(expiresIn time.Duration) *mockServiceAccount {
	sa := &mockServiceAccount{}
	sa.exchange = func(_ []string, subject string) (model.TokenGrant, error) {
		n := sa.calls.Load()
		return model.TokenGrant{
			AccessToken: fmt.Sprintf("sa-%s-%d", subject, n),
			ExpiresAt:   time.Now().Add(expiresIn),
		}, nil
	}
	return sa
}

func TestTokenBroker_ServiceAccountTokensAreCached(t *testing.T) {
	sa := newServiceAccount(time.Hour)
	broker := application.NewTokenBroker(newMockCredentialStore(), newMockRegistry(&mockProvider{key: "google", sa: sa}), nil, application.BrokerOptions{})
	ctx := context.Background()

	first, err := broker.ServiceAccountToken(ctx, "google", []string{"b", "a"}, "ada@example.com")
	require.NoError(t, err)
	second, err := broker.ServiceAccountToken(ctx, "google", []string{"a", "b", "a"}, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, second, "scope order and duplicates share a cache entry")
	assert.Equal(t, int32(1), sa.calls.Load())

	_, err = broker.ServiceAccountToken(ctx, "google", []string{"a", "b"}, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), sa.calls.Load(), "subjects are cached separately")
}

func TestTokenBroker_ShortLivedServiceTokensAreNotCached(t *testing.T) {
	sa := newServiceAccount(30 * time.Second)
	broker := application.NewTokenBroker(newMockCredentialStore(), newMockRegistry(&mockProvider{key: "google", sa: sa}), nil, application.BrokerOptions{})

	for range 2 {
		_, err := broker.ServiceAccountToken(context.Background(), "google", []string{"a"}, "")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), sa.calls.Load())
}

func TestTokenBroker_ResolveModes(t *testing.T) {
	sa := newServiceAccount(time.Hour)
	registry := newMockRegistry(
		&mockProvider{key: "google", sa: sa},
		&mockProvider{key: "github"},
	)
	creds := newMockCredentialStore(userCred("at-user", time.Hour, "calendar"))
	broker := application.NewTokenBroker(creds, registry, nil, application.BrokerOptions{})
	ctx := context.Background()

	tok, err := broker.Resolve(ctx, model.AuthRequest{UserID: "u1", Provider: "google", Mode: model.AuthModeUser, Scopes: []string{"calendar"}})
	require.NoError(t, err)
	assert.Equal(t, "at-user", tok)

	tok, err = broker.Resolve(ctx, model.AuthRequest{Provider: "google", Mode: model.AuthModeDomainDelegate, Subject: " ada@example.com "})
	require.NoError(t, err)
	assert.Contains(t, tok, "ada@example.com")
	assert.Equal(t, []string{"ada@example.com"}, sa.subjects)

	_, err = broker.Resolve(ctx, model.AuthRequest{Provider: "google", Mode: model.AuthModeDomainDelegate})
	assert.ErrorIs(t, err, model.ErrSubjectRequired)

	_, err = broker.Resolve(ctx, model.AuthRequest{Provider: "google", Mode: model.AuthModeServiceAccount, Subject: "ada@example.com"})
	assert.ErrorIs(t, err, model.ErrSubjectForbidden)

	_, err = broker.Resolve(ctx, model.AuthRequest{Provider: "github", Mode: model.AuthModeServiceAccount})
	assert.ErrorIs(t, err, model.ErrServiceAccountUnset)

	_, err = broker.Resolve(ctx, model.AuthRequest{Provider: "dropbox", Mode: model.AuthModeUser})
	assert.ErrorIs(t, err, model.ErrProviderNotSupported)
}

func TestTokenBroker_DelegationCheck(t *testing.T) {
	sa := newServiceAccount(time.Hour)
	failing := &mockServiceAccount{exchange: func([]string, string) (model.TokenGrant, error) {
		return model.TokenGrant{}, errors.New("unauthorized_client")
	}}
	registry := newMockRegistry(
		&mockProvider{key: "google", sa: sa},
		&mockProvider{key: "microsoft", sa: failing},
		&mockProvider{key: "github"},
	)
	broker := application.NewTokenBroker(newMockCredentialStore(), registry, nil, application.BrokerOptions{})
	ctx := context.Background()

	status := broker.DelegationCheck(ctx, "google", []string{"a"}, "ada@example.com")
	assert.True(t, status.Ready)
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, "svc@example.iam", status.Issuer)

	broker.DelegationCheck(ctx, "google", []string{"a"}, "ada@example.com")
	assert.Equal(t, int32(2), sa.calls.Load(), "checks bypass the cache")

	status = broker.DelegationCheck(ctx, "microsoft", nil, "ada@example.com")
	assert.False(t, status.Ready)
	assert.Equal(t, "exchange_failed", status.Status)
	assert.Contains(t, status.Error, "unauthorized_client")

	status = broker.DelegationCheck(ctx, "github", nil, "")
	assert.Equal(t, "not_configured", status.Status)

	status = broker.DelegationCheck(ctx, "dropbox", nil, "")
	assert.Equal(t, "provider_not_supported", status.Status)
}

func TestTokenCache_TTL(t *testing.T) {
	cache := application.NewTokenCache(4)

	cache.Put("k", "v", time.Hour)
	cache.Put("skip", "v", 0)

	v, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = cache.Get("skip")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len())
}
