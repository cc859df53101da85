package application_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/plughub/internal/adapter/driven/sealer"
	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

func userKey(key string) model.StorageKey {
	return model.StorageKey{Scope: model.ScopeUser, OwnerID: "u1", Plugin: "notes", Namespace: "data", Key: key}
}

func TestStorageService_PutGetDelete(t *testing.T) {
	svc := application.NewStorageService(newMockStorageStore(), 0)
	ctx := context.Background()

	assert.Equal(t, application.DefaultMaxObjectBytes, svc.MaxObjectBytes())

	require.NoError(t, svc.Put(ctx, userKey("a"), []byte("one")))
	entry, err := svc.Get(ctx, userKey("a"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "one", string(entry.Value))

	require.NoError(t, svc.Delete(ctx, userKey("a")))
	require.NoError(t, svc.Delete(ctx, userKey("a")), "delete is idempotent")

	entry, err = svc.Get(ctx, userKey("a"))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestStorageService_ObjectCeiling(t *testing.T) {
	svc := application.NewStorageService(newMockStorageStore(), 8)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, userKey("k"), []byte("12345678")))

	err := svc.Put(ctx, userKey("k"), []byte("123456789"))
	require.ErrorIs(t, err, model.ErrObjectTooLarge)

	entry, err := svc.Get(ctx, userKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(entry.Value), "oversized put leaves the previous value")
}

func TestStorageService_KeyValidation(t *testing.T) {
	svc := application.NewStorageService(newMockStorageStore(), 0)
	ctx := context.Background()

	tests := []struct {
		name string
		key  model.StorageKey
	}{
		{"bad scope", model.StorageKey{Scope: "global", Plugin: "p", Namespace: "data", Key: "k"}},
		{"user without owner", model.StorageKey{Scope: model.ScopeUser, Plugin: "p", Namespace: "data", Key: "k"}},
		{"no plugin", model.StorageKey{Scope: model.ScopeSystem, Namespace: "data", Key: "k"}},
		{"no namespace", model.StorageKey{Scope: model.ScopeSystem, Plugin: "p", Key: "k"}},
		{"blank key", model.StorageKey{Scope: model.ScopeSystem, Plugin: "p", Namespace: "data", Key: "  "}},
		{"long key", model.StorageKey{Scope: model.ScopeSystem, Plugin: "p", Namespace: "data", Key: strings.Repeat("k", 513)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, svc.Put(ctx, tt.key, []byte("v")))
		})
	}
}

func TestStorageService_ListIgnoresKey(t *testing.T) {
	svc := application.NewStorageService(newMockStorageStore(), 0)
	ctx := context.Background()

	require.NoError(t, svc.Put(ctx, userKey("b"), []byte("22")))
	require.NoError(t, svc.Put(ctx, userKey("a"), []byte("1")))

	keys, err := svc.ListKeys(ctx, userKey(""))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	metas, err := svc.ListMeta(ctx, userKey(""))
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, 1, metas[0].Size)
}

func TestStorageService_PurgeRequiresPositiveAge(t *testing.T) {
	svc := application.NewStorageService(newMockStorageStore(), 0)
	_, err := svc.PurgeOlderThan(context.Background(), 0)
	assert.Error(t, err)

	n, err := svc.PurgeOlderThan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSealer(t *testing.T, b byte) driven.Sealer {
	t.Helper()
	s, err := sealer.NewAESGCM(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

func TestSecretsService_SealsAtRest(t *testing.T) {
	store := newMockStorageStore()
	svc := application.NewSecretsService(application.NewStorageService(store, 0), testSealer(t, 1), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, model.ScopeSystem, "", "mailer", "api_key", "sk-live-123"))

	for _, e := range store.entries {
		assert.Equal(t, model.SecretNamespace, e.Namespace)
		assert.NotContains(t, string(e.Value), "sk-live-123")
	}

	v, err := svc.Get(ctx, "u1", "mailer", "api_key", model.SecretScopeSystem)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", v)
}

func TestSecretsService_ScopeResolution(t *testing.T) {
	svc := application.NewSecretsService(application.NewStorageService(newMockStorageStore(), 0), testSealer(t, 1), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, model.ScopeSystem, "", "mailer", "key", "system-value"))
	require.NoError(t, svc.Set(ctx, model.ScopeUser, "u1", "mailer", "key", "user-value"))

	tests := []struct {
		name   string
		userID string
		scope  model.SecretScope
		want   string
	}{
		{"user scope", "u1", model.SecretScopeUser, "user-value"},
		{"system scope ignores user", "u1", model.SecretScopeSystem, "system-value"},
		{"user overrides system", "u1", model.SecretScopeSystemOrUser, "user-value"},
		{"falls back to system", "u2", model.SecretScopeSystemOrUser, "system-value"},
		{"no user for user scope", "", model.SecretScopeUser, ""},
		{"other user", "u2", model.SecretScopeUser, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := svc.Get(ctx, tt.userID, "mailer", "key", tt.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestSecretsService_UndecryptableReadsAsUnset(t *testing.T) {
	store := newMockStorageStore()
	storage := application.NewStorageService(store, 0)
	ctx := context.Background()

	writer := application.NewSecretsService(storage, testSealer(t, 1), nil)
	require.NoError(t, writer.Set(ctx, model.ScopeSystem, "", "mailer", "key", "value"))

	rotated := application.NewSecretsService(storage, testSealer(t, 2), nil)
	v, err := rotated.Get(ctx, "", "mailer", "key", model.SecretScopeSystem)
	require.NoError(t, err)
	assert.Empty(t, v)

	unkeyed := application.NewSecretsService(storage, nil, nil)
	v, err = unkeyed.Get(ctx, "", "mailer", "key", model.SecretScopeSystem)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSecretsService_SetWithoutKey(t *testing.T) {
	svc := application.NewSecretsService(application.NewStorageService(newMockStorageStore(), 0), nil, nil)
	err := svc.Set(context.Background(), model.ScopeSystem, "", "mailer", "key", "value")
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)
}

func TestSecretsService_ListAndDelete(t *testing.T) {
	svc := application.NewSecretsService(application.NewStorageService(newMockStorageStore(), 0), testSealer(t, 1), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, model.ScopeUser, "u1", "mailer", "b", "2"))
	require.NoError(t, svc.Set(ctx, model.ScopeUser, "u1", "mailer", "a", "1"))

	keys, err := svc.ListKeys(ctx, model.ScopeUser, "u1", "mailer")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, svc.Delete(ctx, model.ScopeUser, "u1", "mailer", "a"))
	v, err := svc.Get(ctx, "u1", "mailer", "a", model.SecretScopeUser)
	require.NoError(t, err)
	assert.Empty(t, v)
}
