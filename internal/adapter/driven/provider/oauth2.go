package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*OAuth2)(nil)

// maxResponseBytes bounds token and profile responses.
const maxResponseBytes = 1 << 20

// OAuth2Config describes a provider reachable through standard RFC 6749
// refresh grants.
type OAuth2Config struct {
	Key          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// UserInfoURL is an OpenID Connect userinfo endpoint. Optional.
	UserInfoURL string
	// Downscope sends the required scopes with refresh requests.
	Downscope  bool
	HTTPClient *http.Client
}

// OAuth2 is a generic adapter for any provider configured by endpoint.
type OAuth2 struct {
	cfg    OAuth2Config
	client *http.Client
	now    func() time.Time
}

// NewOAuth2 creates a generic OAuth2 adapter.
func NewOAuth2(cfg OAuth2Config) *OAuth2 {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.Key = model.NormalizeProvider(cfg.Key)
	return &OAuth2{cfg: cfg, client: client, now: time.Now}
}

// Key returns the normalized provider key.
func (o *OAuth2) Key() string {
	return o.cfg.Key
}

// Refresh exchanges refreshToken at the token endpoint.
func (o *OAuth2) Refresh(ctx context.Context, refreshToken string, scopes []string) (model.TokenGrant, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {o.cfg.ClientID},
	}
	if o.cfg.ClientSecret != "" {
		data.Set("client_secret", o.cfg.ClientSecret)
	}
	if o.cfg.Downscope && len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}
	return o.tokenRequest(ctx, data)
}

// Introspect is not available for generic providers.
func (o *OAuth2) Introspect(context.Context, string) ([]string, error) {
	return nil, driven.ErrIntrospectionUnsupported
}

// FetchIdentity reads the OpenID Connect userinfo endpoint.
func (o *OAuth2) FetchIdentity(ctx context.Context, accessToken string) (model.ProviderIdentity, error) {
	if o.cfg.UserInfoURL == "" {
		return model.ProviderIdentity{}, driven.ErrIdentityUnsupported
	}

	var info struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := o.getJSON(ctx, o.cfg.UserInfoURL, accessToken, &info); err != nil {
		return model.ProviderIdentity{}, err
	}

	return model.ProviderIdentity{
		Provider:    o.cfg.Key,
		AccountID:   info.Subject,
		Email:       info.Email,
		DisplayName: info.Name,
	}, nil
}

// ServiceAccount returns nil; generic providers have no service identity.
func (o *OAuth2) ServiceAccount() driven.ServiceAccount {
	return nil
}

// TokenError is an error response from a token endpoint. Description is
// provider text and must not reach plugin-facing messages.
type TokenError struct {
	Provider    string
	Status      int
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s token endpoint returned status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s token endpoint returned %s (status %d)", e.Provider, e.Code, e.Status)
}

// Is matches model.ErrGrantRevoked for invalid_grant responses.
func (e *TokenError) Is(target error) bool {
	return target == model.ErrGrantRevoked && e.Code == "invalid_grant"
}

// tokenResponse is the raw response from an OAuth token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

func (o *OAuth2) tokenRequest(ctx context.Context, data url.Values) (model.TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return model.TokenGrant{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return model.TokenGrant{}, fmt.Errorf("%s token request: %w", o.cfg.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.TokenGrant{}, fmt.Errorf("reading token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil && resp.StatusCode < 300 {
		return model.TokenGrant{}, fmt.Errorf("parsing token response: %w", err)
	}

	// Some providers report errors with a 200 status.
	if resp.StatusCode >= 300 || tr.Error != "" {
		return model.TokenGrant{}, &TokenError{
			Provider:    o.cfg.Key,
			Status:      resp.StatusCode,
			Code:        tr.Error,
			Description: tr.ErrorDesc,
		}
	}

	if tr.AccessToken == "" {
		return model.TokenGrant{}, fmt.Errorf("%s token response has no access token", o.cfg.Key)
	}

	grant := model.TokenGrant{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scopes:       splitScopes(tr.Scope),
	}
	if tr.ExpiresIn > 0 {
		grant.ExpiresAt = o.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return grant, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
// Error statuses become *model.HTTPRequestFailedError.
func (o *OAuth2) getJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", o.cfg.Key, redactQuery(endpoint), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return model.ClassifyHTTPStatus(http.MethodGet, redactQuery(endpoint), resp.StatusCode, resp.Header, o.now())
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", o.cfg.Key, err)
	}
	return nil
}

// splitScopes parses a scope string. Providers separate scopes with spaces
// or commas.
func splitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// redactQuery strips the query string, which may carry a token.
func redactQuery(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.RawQuery = ""
	return u.String()
}
