package sealer

import (
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// DeriveKey stretches a passphrase into a 32-byte key with Argon2id. The salt
// must be stable for the lifetime of the stored secrets.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// DecodeKey decodes a base64 (standard or URL) 32-byte key.
func DecodeKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != 32 {
				return nil, fmt.Errorf("key must decode to 32 bytes, got %d", len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}

// Options selects the sealer implementation. Precedence: AgeIdentity, Key,
// Passphrase.
type Options struct {
	AgeIdentity string
	Key         string
	Passphrase  string
	Salt        string
}

// New builds the configured sealer. It returns driven.ErrEncryptionKeyNotSet
// when no option is set.
func New(opts Options) (driven.Sealer, error) {
	switch {
	case opts.AgeIdentity != "":
		return NewAge(opts.AgeIdentity)
	case opts.Key != "":
		key, err := DecodeKey(opts.Key)
		if err != nil {
			return nil, err
		}
		return NewAESGCM(key)
	case opts.Passphrase != "":
		key, err := DeriveKey(opts.Passphrase, opts.Salt)
		if err != nil {
			return nil, err
		}
		return NewAESGCM(key)
	default:
		return nil, driven.ErrEncryptionKeyNotSet
	}
}
