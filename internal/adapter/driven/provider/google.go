package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Google endpoints.
const (
	GoogleTokenURL     = "https://oauth2.googleapis.com/token"
	GoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	GoogleUserInfoURL  = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*Google)(nil)

// GoogleConfig configures the Google adapter. Empty URLs use the production
// endpoints.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// ServiceAccountKey is a JSON key file. Optional.
	ServiceAccountKey []byte
	TokenURL          string
	TokenInfoURL      string
	UserInfoURL       string
	HTTPClient        *http.Client
}

// Google refreshes user tokens, introspects them through tokeninfo and mints
// service account and domain-wide delegation tokens.
type Google struct {
	*OAuth2
	tokenInfoURL string
	sa           *JWTServiceAccount
}

// NewGoogle creates the Google adapter.
func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.TokenInfoURL == "" {
		cfg.TokenInfoURL = GoogleTokenInfoURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}

	g := &Google{
		OAuth2: NewOAuth2(OAuth2Config{
			Key:          "google",
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			UserInfoURL:  cfg.UserInfoURL,
			// Google narrows refreshed tokens when scope is sent.
			Downscope:  true,
			HTTPClient: cfg.HTTPClient,
		}),
		tokenInfoURL: cfg.TokenInfoURL,
	}

	if len(cfg.ServiceAccountKey) > 0 {
		sa, err := ParseServiceAccountKey(cfg.ServiceAccountKey, cfg.TokenURL, cfg.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("google service account: %w", err)
		}
		g.sa = sa
	}
	return g, nil
}

// Introspect asks tokeninfo which scopes the token carries.
func (g *Google) Introspect(ctx context.Context, accessToken string) ([]string, error) {
	var info struct {
		Scope string `json:"scope"`
	}
	endpoint := g.tokenInfoURL + "?" + url.Values{"access_token": {accessToken}}.Encode()
	if err := g.getJSON(ctx, endpoint, "", &info); err != nil {
		return nil, err
	}
	return splitScopes(info.Scope), nil
}

// ServiceAccount returns the configured service identity, or nil.
func (g *Google) ServiceAccount() driven.ServiceAccount {
	if g.sa == nil {
		return nil
	}
	return g.sa
}
