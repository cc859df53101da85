package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// GitHubTokenURL is the OAuth app token endpoint.
const GitHubTokenURL = "https://github.com/login/oauth/access_token"

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*GitHub)(nil)

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// APIBaseURL overrides https://api.github.com/, e.g. for GitHub
	// Enterprise or tests.
	APIBaseURL string
	HTTPClient *http.Client
}

// GitHub refreshes expiring user-to-server tokens and reads granted scopes
// from the X-OAuth-Scopes header of authenticated API calls.
type GitHub struct {
	*OAuth2
	api     *http.Client
	baseURL *url.URL
}

// NewGitHub creates the GitHub adapter. API calls go through the following
// transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (REST client, authenticated per call)
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = GitHubTokenURL
	}

	api := cfg.HTTPClient
	if api == nil {
		cacheTransport := httpcache.NewMemoryCacheTransport()
		api = github_ratelimit.NewClient(cacheTransport)
	}

	g := &GitHub{
		OAuth2: NewOAuth2(OAuth2Config{
			Key:          "github",
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			HTTPClient:   cfg.HTTPClient,
		}),
		api: api,
	}

	if cfg.APIBaseURL != "" {
		base := cfg.APIBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		g.baseURL = u
	}
	return g, nil
}

func (g *GitHub) client(accessToken string) *gh.Client {
	c := gh.NewClient(g.api).WithAuthToken(accessToken)
	if g.baseURL != nil {
		c.BaseURL = g.baseURL
	}
	return c
}

// Introspect returns the scopes GitHub reports for the token. Fine-grained
// and GitHub App tokens report none.
func (g *GitHub) Introspect(ctx context.Context, accessToken string) ([]string, error) {
	_, resp, err := g.client(accessToken).Users.Get(ctx, "")
	if err != nil {
		return nil, githubError(err)
	}
	logRateLimit(resp)
	return splitScopes(resp.Header.Get("X-OAuth-Scopes")), nil
}

// FetchIdentity returns the authenticated user's profile.
func (g *GitHub) FetchIdentity(ctx context.Context, accessToken string) (model.ProviderIdentity, error) {
	user, resp, err := g.client(accessToken).Users.Get(ctx, "")
	if err != nil {
		return model.ProviderIdentity{}, githubError(err)
	}
	logRateLimit(resp)

	name := user.GetName()
	if name == "" {
		name = user.GetLogin()
	}
	return model.ProviderIdentity{
		Provider:    g.Key(),
		AccountID:   strconv.FormatInt(user.GetID(), 10),
		Email:       user.GetEmail(),
		DisplayName: name,
	}, nil
}

// githubError maps go-github error responses onto the shared HTTP failure
// type so callers never see GitHub's message text.
func githubError(err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		resp := ghErr.Response
		method, endpoint := http.MethodGet, "github api"
		if resp.Request != nil {
			method, endpoint = resp.Request.Method, redactQuery(resp.Request.URL.String())
		}
		return model.ClassifyHTTPStatus(method, endpoint, resp.StatusCode, resp.Header, time.Now())
	}
	return fmt.Errorf("github user lookup: %w", err)
}

func logRateLimit(resp *gh.Response) {
	if resp == nil {
		return
	}
	slog.Debug("github rate limit",
		"remaining", resp.Rate.Remaining,
		"limit", resp.Rate.Limit,
		"reset", resp.Rate.Reset.Time,
	)
}
