package provider

import (
	"context"
	"net/http"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

const (
	microsoftAuthority = "https://login.microsoftonline.com/"
	// MicrosoftGraphMeURL is the signed-in user's Graph profile.
	MicrosoftGraphMeURL = "https://graph.microsoft.com/v1.0/me"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*Microsoft)(nil)

// MicrosoftConfig configures the Microsoft identity platform adapter.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant defaults to "common".
	Tenant     string
	TokenURL   string
	ProfileURL string
	HTTPClient *http.Client
}

// Microsoft refreshes tokens against the v2.0 endpoint of a tenant.
type Microsoft struct {
	*OAuth2
	profileURL string
}

// NewMicrosoft creates the Microsoft adapter.
func NewMicrosoft(cfg MicrosoftConfig) *Microsoft {
	if cfg.Tenant == "" {
		cfg.Tenant = "common"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = microsoftAuthority + cfg.Tenant + "/oauth2/v2.0/token"
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = MicrosoftGraphMeURL
	}

	return &Microsoft{
		OAuth2: NewOAuth2(OAuth2Config{
			Key:          "microsoft",
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			// The v2.0 endpoint requires scope on refresh.
			Downscope:  true,
			HTTPClient: cfg.HTTPClient,
		}),
		profileURL: cfg.ProfileURL,
	}
}

// FetchIdentity reads the Graph profile of the token owner.
func (m *Microsoft) FetchIdentity(ctx context.Context, accessToken string) (model.ProviderIdentity, error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := m.getJSON(ctx, m.profileURL, accessToken, &me); err != nil {
		return model.ProviderIdentity{}, err
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return model.ProviderIdentity{
		Provider:    m.Key(),
		AccountID:   me.ID,
		Email:       email,
		DisplayName: me.DisplayName,
	}, nil
}
