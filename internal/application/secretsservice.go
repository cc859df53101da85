package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// SecretsService stores plugin secrets sealed in the secret storage
// namespace. Plaintext never reaches the store.
type SecretsService struct {
	storage *StorageService
	sealer  driven.Sealer
	diag    *diagnostics.Recorder
}

// NewSecretsService creates a SecretsService. sealer may be nil, in which
// case Set fails with driven.ErrEncryptionKeyNotSet and every read misses.
func NewSecretsService(storage *StorageService, sealer driven.Sealer, diag *diagnostics.Recorder) *SecretsService {
	return &SecretsService{storage: storage, sealer: sealer, diag: diag}
}

func secretKey(scope model.StorageScope, ownerID, plugin, key string) model.StorageKey {
	return model.StorageKey{
		Scope:     scope,
		OwnerID:   ownerID,
		Plugin:    plugin,
		Namespace: model.SecretNamespace,
		Key:       key,
	}
}

// Set seals value and stores it.
func (s *SecretsService) Set(ctx context.Context, scope model.StorageScope, ownerID, plugin, key, value string) error {
	if s.sealer == nil {
		return driven.ErrEncryptionKeyNotSet
	}
	sealed, err := s.sealer.Seal([]byte(value))
	if err != nil {
		return &model.EncryptionError{Op: "seal secret " + key, Err: err}
	}
	return s.storage.Put(ctx, secretKey(scope, ownerID, plugin, key), []byte(sealed))
}

// Get resolves key for plugin within the allowed scope. A missing or
// undecryptable secret reads as "".
func (s *SecretsService) Get(ctx context.Context, userID, plugin, key string, scope model.SecretScope) (string, error) {
	switch scope {
	case model.SecretScopeUser:
		return s.read(ctx, model.ScopeUser, userID, plugin, key)
	case model.SecretScopeSystem:
		return s.read(ctx, model.ScopeSystem, userID, plugin, key)
	case model.SecretScopeSystemOrUser:
		v, err := s.read(ctx, model.ScopeUser, userID, plugin, key)
		if err != nil || v != "" {
			return v, err
		}
		return s.read(ctx, model.ScopeSystem, userID, plugin, key)
	default:
		return "", fmt.Errorf("unknown secret scope %d", int(scope))
	}
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (s *SecretsService) Delete(ctx context.Context, scope model.StorageScope, ownerID, plugin, key string) error {
	return s.storage.Delete(ctx, secretKey(scope, ownerID, plugin, key))
}

// ListKeys returns the names of the secrets set for plugin in scope.
func (s *SecretsService) ListKeys(ctx context.Context, scope model.StorageScope, ownerID, plugin string) ([]string, error) {
	return s.storage.ListKeys(ctx, secretKey(scope, ownerID, plugin, ""))
}

func (s *SecretsService) read(ctx context.Context, scope model.StorageScope, userID, plugin, key string) (string, error) {
	if scope == model.ScopeUser && userID == "" {
		return "", nil
	}

	entry, err := s.storage.Get(ctx, secretKey(scope, userID, plugin, key))
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", key, err)
	}
	if entry == nil {
		return "", nil
	}

	if s.sealer == nil {
		s.decryptFailed(scope, userID, plugin, key, driven.ErrEncryptionKeyNotSet)
		return "", nil
	}
	plaintext, err := s.sealer.Open(string(entry.Value))
	if err != nil {
		s.decryptFailed(scope, userID, plugin, key, err)
		return "", nil
	}
	return string(plaintext), nil
}

func (s *SecretsService) decryptFailed(scope model.StorageScope, userID, plugin, key string, err error) {
	slog.Error("secret decryption failed; treating as unset",
		"plugin", plugin, "scope", scope, "key", key, "error", err)
	s.diag.Emit(diagnostics.Event{
		Event:  diagnostics.EventSecretDecryptFailed,
		Level:  slog.LevelError,
		Plugin: plugin,
		UserID: userID,
		Fields: map[string]any{"scope": string(scope), "key": key},
	})
}
