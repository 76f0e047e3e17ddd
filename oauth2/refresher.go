// Package oauth2 bridges an OAuth2 token endpoint to the resilient token
// manager: it turns a standard token-endpoint configuration into the
// RefreshFunc the manager calls when the access token nears expiry.
package oauth2

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/beautycort/resilient"
)

// Config identifies the token endpoint and client. Endpoint is the only
// required field for refresh-grant exchanges.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// RefreshSource builds a resilient.RefreshFunc that exchanges the stored
// refresh token at the configured endpoint. When the server rotates the
// refresh token the new one is kept; when it omits one, the old token is
// carried forward, matching servers that treat refresh tokens as
// long-lived.
func RefreshSource(cfg Config) resilient.RefreshFunc {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}

	return func(ctx context.Context, refreshToken string) (*resilient.TokenPair, error) {
		if refreshToken == "" {
			return nil, fmt.Errorf("no refresh token to exchange")
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("refresh exchange failed: %w", err)
		}

		pair := &resilient.TokenPair{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Type:         resilient.TokenTypeBearer,
		}
		if !tok.Expiry.IsZero() {
			pair.ExpiresAt = tok.Expiry.UnixMilli()
		}
		if pair.RefreshToken == "" {
			pair.RefreshToken = refreshToken
		}
		return pair, nil
	}
}
