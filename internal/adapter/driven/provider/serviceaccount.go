package provider

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ServiceAccount = (*JWTServiceAccount)(nil)

// assertionLifetime bounds exp - iat of signed assertions below one hour,
// leaving room for the issuer's backdated iat.
const assertionLifetime = 55 * time.Minute

// JWTServiceAccount signs RS256 JWT-bearer assertions
// (urn:ietf:params:oauth:grant-type:jwt-bearer) with a service identity's
// private key.
type JWTServiceAccount struct {
	issuer      string
	keyID       string
	keyPEM      []byte
	tokenURL    string
	fingerprint string
	client      *http.Client
}

// NewJWTServiceAccount validates an RSA private key (PKCS1 or PKCS8 PEM) and
// returns a signer for issuer. keyID is sent as the JWT kid header when set.
func NewJWTServiceAccount(issuer, keyID string, keyPEM []byte, tokenURL string, client *http.Client) (*JWTServiceAccount, error) {
	if issuer == "" {
		return nil, errors.New("service account issuer is required")
	}
	if tokenURL == "" {
		return nil, errors.New("service account token URL is required")
	}
	if _, err := parseRSAKey(keyPEM); err != nil {
		return nil, err
	}

	sum := blake3.Sum256(keyPEM)
	return &JWTServiceAccount{
		issuer:      issuer,
		keyID:       keyID,
		keyPEM:      keyPEM,
		tokenURL:    tokenURL,
		fingerprint: hex.EncodeToString(sum[:16]),
		client:      client,
	}, nil
}

// serviceAccountKey is the JSON key file format issued by Google Cloud.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccountKey builds a signer from a JSON key file. defaultTokenURL
// is used when the file does not name one.
func ParseServiceAccountKey(data []byte, defaultTokenURL string, client *http.Client) (*JWTServiceAccount, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}
	if key.Type != "" && key.Type != "service_account" {
		return nil, fmt.Errorf("unsupported credentials type %q", key.Type)
	}

	tokenURL := key.TokenURI
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return NewJWTServiceAccount(key.ClientEmail, key.PrivateKeyID, []byte(key.PrivateKey), tokenURL, client)
}

// Issuer returns the service identity the assertion is issued as.
func (s *JWTServiceAccount) Issuer() string { return s.issuer }

// TokenURL returns the endpoint assertions are exchanged at.
func (s *JWTServiceAccount) TokenURL() string { return s.tokenURL }

// Fingerprint returns a short blake3 digest of the signing key.
func (s *JWTServiceAccount) Fingerprint() string { return s.fingerprint }

// Exchange signs an assertion for scopes and exchanges it for an access token.
// A non-empty subject requests domain-wide delegation on that user's behalf.
func (s *JWTServiceAccount) Exchange(ctx context.Context, scopes []string, subject string) (model.TokenGrant, error) {
	cfg := &jwt.Config{
		Email:        s.issuer,
		PrivateKey:   s.keyPEM,
		PrivateKeyID: s.keyID,
		Scopes:       scopes,
		TokenURL:     s.tokenURL,
		Subject:      subject,
		Expires:      assertionLifetime,
	}
	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}

	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			tokenErr := &TokenError{
				Provider:    s.issuer,
				Status:      status,
				Code:        re.ErrorCode,
				Description: re.ErrorDescription,
			}
			if tokenErr.Code == "" {
				var tr tokenResponse
				if json.Unmarshal(re.Body, &tr) == nil {
					tokenErr.Code, tokenErr.Description = tr.Error, tr.ErrorDesc
				}
			}
			return model.TokenGrant{}, tokenErr
		}
		return model.TokenGrant{}, fmt.Errorf("service account token exchange: %w", err)
	}

	return model.TokenGrant{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scopes:      scopes,
		ExpiresAt:   tok.Expiry,
	}, nil
}

func parseRSAKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}
