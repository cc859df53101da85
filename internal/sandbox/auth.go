package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

var (
	// ErrNoOperationAuth is returned by OperationToken when the running
	// operation declares no auth block.
	ErrNoOperationAuth = errors.New("operation declares no auth requirement")
	// ErrBrokerUnavailable is returned when the host was built without a
	// token broker.
	ErrBrokerUnavailable = errors.New("token broker not configured")
	// ErrSubscriptionsUnavailable is returned for user-mode tokens when the
	// host was built without a subscription ledger.
	ErrSubscriptionsUnavailable = errors.New("subscription ledger not configured")
)

type authCap struct {
	owner
	broker  TokenBroker
	subs    SubscriptionChecker
	diag    *diagnostics.Recorder
	spec    *model.AuthSpec
	subject string
}

func newAuth(o owner, deps Deps, spec *model.AuthSpec, subject string) *authCap {
	a := &authCap{owner: o, broker: deps.Broker, subs: deps.Subscriptions, diag: deps.Diagnostics, subject: subject}
	if spec != nil {
		s := *spec
		s.Scopes = slices.Clone(spec.Scopes)
		a.spec = &s
	}
	return a
}

// UserToken returns the acting user's delegated token for provider.
func (a *authCap) UserToken(ctx context.Context, provider string, scopes []string) (string, error) {
	return a.resolve(ctx, model.AuthRequest{
		UserID:   a.userID,
		Provider: provider,
		Mode:     model.AuthModeUser,
		Scopes:   scopes,
	})
}

// DelegatedToken returns a domain-wide delegation token impersonating subject.
func (a *authCap) DelegatedToken(ctx context.Context, provider string, scopes []string, subject string) (string, error) {
	return a.resolve(ctx, model.AuthRequest{
		UserID:   a.userID,
		Provider: provider,
		Mode:     model.AuthModeDomainDelegate,
		Scopes:   scopes,
		Subject:  subject,
	})
}

// ServiceAccountToken returns a token for the provider's service identity.
func (a *authCap) ServiceAccountToken(ctx context.Context, provider string, scopes []string) (string, error) {
	return a.resolve(ctx, model.AuthRequest{
		UserID:   a.userID,
		Provider: provider,
		Mode:     model.AuthModeServiceAccount,
		Scopes:   scopes,
	})
}

// OperationToken resolves the token the running operation declares.
func (a *authCap) OperationToken(ctx context.Context) (string, error) {
	if a.spec == nil {
		return "", ErrNoOperationAuth
	}
	req := model.AuthRequest{
		UserID:   a.userID,
		Provider: a.spec.Provider,
		Mode:     a.spec.Mode,
		Scopes:   a.spec.Scopes,
	}
	if req.Mode == model.AuthModeDomainDelegate {
		req.Subject = a.subject
	}
	return a.resolve(ctx, req)
}

func (a *authCap) resolve(ctx context.Context, req model.AuthRequest) (string, error) {
	if a.broker == nil {
		return "", ErrBrokerUnavailable
	}
	req.Scopes = slices.Clone(req.Scopes)
	if req.Mode == model.AuthModeUser {
		ok, err := a.subscribed(ctx, req.Provider)
		if err != nil || !ok {
			return "", err
		}
	}
	return a.broker.Resolve(ctx, req)
}

// subscribed applies the user's subscription ledger to every delegated token
// request, not only the one the operation declares.
func (a *authCap) subscribed(ctx context.Context, provider string) (bool, error) {
	if a.subs == nil {
		return false, ErrSubscriptionsUnavailable
	}
	ok, err := a.subs.Allowed(ctx, a.userID, provider, a.plugin)
	if err != nil {
		return false, fmt.Errorf("checking subscription: %w", err)
	}
	if !ok {
		slog.Warn("user token denied: plugin not subscribed",
			"plugin", a.plugin, "user_id", a.userID, "provider", provider)
		a.diag.Emit(diagnostics.Event{
			Event:       diagnostics.EventTokenDenied,
			Level:       slog.LevelWarn,
			Plugin:      a.plugin,
			UserID:      a.userID,
			ExecutionID: a.executionID,
			Fields:      map[string]any{"provider": provider},
		})
	}
	return ok, nil
}
