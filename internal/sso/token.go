package sso

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// PasswordGrantProvider requests security tokens via the OAuth2 resource
// owner password credentials grant.
type PasswordGrantProvider struct {
	config oauth2.Config
}

// NewPasswordGrantProvider creates a provider against tokenURL using the
// given client credentials.
func NewPasswordGrantProvider(tokenURL, clientID, clientSecret string) *PasswordGrantProvider {
	return &PasswordGrantProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

// RequestToken exchanges username and password for an access token.
func (p *PasswordGrantProvider) RequestToken(ctx context.Context, username, password string) (string, error) {
	tok, err := p.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return "", fmt.Errorf("password grant: %w", err)
	}
	return tok.AccessToken, nil
}
