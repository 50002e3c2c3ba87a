package hub

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Token is the credential pair currently held by a Session.
type Token struct {
	// AccessToken authorizes hub API requests.
	AccessToken string `json:"access_token"`
	// RefreshToken is optional; the password grant may not issue one.
	RefreshToken string `json:"refresh_token,omitempty"`
	// TokenType is the authorization scheme, usually "Bearer".
	TokenType string `json:"token_type"`
	// ExpiresAt is zero when the hub did not send expires_in.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
// No skew margin is applied; a server-side 401 is handled reactively.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// Type returns the normalized authorization scheme.
func (t Token) Type() string {
	switch strings.ToLower(t.TokenType) {
	case "", "bearer":
		return "Bearer"
	case "mac":
		return "MAC"
	case "basic":
		return "Basic"
	}
	return t.TokenType
}

// AuthorizationValue renders the Authorization header value.
func (t Token) AuthorizationValue() string {
	return t.Type() + " " + t.AccessToken
}

func tokenFromOAuth2(tok *oauth2.Token) Token {
	if tok == nil {
		return Token{}
	}
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
}
