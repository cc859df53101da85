package sandbox

import (
	"context"
	"errors"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// ErrSecretsUnavailable is returned when the host was built without a
// secret resolver.
var ErrSecretsUnavailable = errors.New("secret store not configured")

type secretsCap struct {
	owner
	resolver SecretResolver
	op       model.Operation
}

// Get returns the secret value, or "" when it is not set.
func (s *secretsCap) Get(ctx context.Context, key string) (string, error) {
	if s.resolver == nil {
		return "", ErrSecretsUnavailable
	}
	return s.resolver.Get(ctx, s.userID, s.plugin, key, s.op.SecretScopeFor(key))
}
