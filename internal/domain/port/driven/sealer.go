package driven

import "errors"

// ErrEncryptionKeyNotSet is returned by Sealer operations when no key has been
// configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set PLUGHUB_SECRET_KEY, PLUGHUB_SECRET_PASSPHRASE or PLUGHUB_AGE_IDENTITY")

// Sealer encrypts secret values before persistence. Open must fail rather than
// return corrupted plaintext.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}
