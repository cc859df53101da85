package sealer

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestAESGCM_RoundTrip(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("ghp_secret"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ghp_secret")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", string(plain))
}

func TestAESGCM_NoncesDiffer(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCM_WrongKeyFails(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("value"))
	require.NoError(t, err)

	other, err := NewAESGCM(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestAESGCM_RejectsShortAndGarbage(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	_, err = s.Open(base64.StdEncoding.EncodeToString([]byte("abc")))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = s.Open("%%% not base64")
	assert.Error(t, err)
}

func TestNewAESGCM_KeyLength(t *testing.T) {
	_, err := NewAESGCM([]byte("short"))
	assert.Error(t, err)
}

func TestAge_RoundTrip(t *testing.T) {
	identity, err := GenerateAgeIdentity()
	require.NoError(t, err)

	s, err := NewAge(identity)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("refresh-token"))
	require.NoError(t, err)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", string(plain))
}

func TestAge_OtherIdentityFails(t *testing.T) {
	idA, err := GenerateAgeIdentity()
	require.NoError(t, err)
	idB, err := GenerateAgeIdentity()
	require.NoError(t, err)

	a, err := NewAge(idA)
	require.NoError(t, err)
	b, err := NewAge(idB)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("x"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey("correct horse", "plughub-salt")
	require.NoError(t, err)
	k2, err := DeriveKey("correct horse", "plughub-salt")
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)

	_, err = DeriveKey("", "plughub-salt")
	assert.Error(t, err)
	_, err = DeriveKey("pw", "short")
	assert.Error(t, err)
}

func TestNew_Precedence(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)

	key := base64.StdEncoding.EncodeToString(testKey())
	s, err := New(Options{Key: key})
	require.NoError(t, err)
	assert.IsType(t, &AESGCM{}, s)

	identity, err := GenerateAgeIdentity()
	require.NoError(t, err)
	s, err = New(Options{AgeIdentity: identity, Key: key})
	require.NoError(t, err)
	assert.IsType(t, &Age{}, s)

	s, err = New(Options{Passphrase: "pw", Salt: "plughub-salt"})
	require.NoError(t, err)
	assert.IsType(t, &AESGCM{}, s)
}
