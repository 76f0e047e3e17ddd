package resilient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType identifies the scheme a token pair was issued under.
type TokenType string

const (
	TokenTypeBearer TokenType = "Bearer"
	TokenTypeJWT    TokenType = "JWT"
)

// TokenPair holds the current access/refresh token pair. ExpiresAt is
// always the absolute expiry instant in epoch milliseconds, never a
// duration. The pair is owned exclusively by Manager and persisted as
// JSON under TokensKey.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    int64     `json:"expiresAt"`
	Type         TokenType `json:"type"`
}

// ExpiryTime returns ExpiresAt as a time.Time.
func (p *TokenPair) ExpiryTime() time.Time {
	return time.UnixMilli(p.ExpiresAt)
}

// IsExpired returns true if the access token has expired as of now.
func (p *TokenPair) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiryTime())
}

// ExpiresWithin returns true if the token expires within the given buffer
// of now. A token inside the buffer is treated as unusable and triggers a
// refresh.
func (p *TokenPair) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(p.ExpiryTime())
}

// HasRefreshToken returns true if a refresh token is available.
func (p *TokenPair) HasRefreshToken() bool {
	return p.RefreshToken != ""
}

// wellFormed reports whether a stored pair is structurally usable. A pair
// failing this check is discarded on load rather than handed to callers.
func (p *TokenPair) wellFormed() bool {
	if p.AccessToken == "" || p.ExpiresAt <= 0 {
		return false
	}
	return p.Type == TokenTypeBearer || p.Type == TokenTypeJWT
}

// inferExpiry fills in a missing ExpiresAt from the access token's exp
// claim when the token is a parseable JWT. The claim is read without
// signature verification; the client has no signing key and only needs
// the expiry hint the server already committed to.
func (p *TokenPair) inferExpiry() {
	if p.ExpiresAt > 0 {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	p.ExpiresAt = exp.Time.UnixMilli()
}
