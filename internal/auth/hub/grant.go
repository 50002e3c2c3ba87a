package hub

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"

	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	log "github.com/sirupsen/logrus"
)

// GrantType names the OAuth2 grant a Session authenticates with.
type GrantType string

const (
	GrantPassword          GrantType = "password"
	GrantAuthorizationCode GrantType = "authorization_code"
)

// Grant obtains the first token of a Session. The set of grants is closed: the password grant
// and the authorization-code grant delivered by mail.
type Grant interface {
	Type() GrantType
	// FetchToken obtains a token from scratch.
	FetchToken(ctx context.Context) (Token, error)
	// AuthorizationURL persists a fresh state and returns the link the operator has to visit.
	AuthorizationURL(ctx context.Context) (string, error)
	// Refetchable reports whether FetchToken may run again after the first token was issued.
	Refetchable() bool
	// refreshParams are sent with every refresh_token request on top of the client credentials.
	refreshParams() url.Values
}

type passwordGrant struct {
	endpoint *tokenEndpoint
	username string
	password string
}

func (g *passwordGrant) Type() GrantType { return GrantPassword }

func (g *passwordGrant) FetchToken(ctx context.Context) (Token, error) {
	return g.endpoint.password(ctx, g.username, g.password)
}

func (g *passwordGrant) AuthorizationURL(context.Context) (string, error) {
	return "", configurationError(
		"authorization URL is not applicable to the password grant",
		"configure email without username and password to use the mail login",
	)
}

// Refetchable is true: stored credentials can be replayed whenever the hub rejects a token.
func (g *passwordGrant) Refetchable() bool { return true }

func (g *passwordGrant) refreshParams() url.Values { return nil }

type codeGrant struct {
	endpoint *tokenEndpoint
	store    StateStore
	email    string
	// response is nil until the operator supplied an auth_code.
	response *misc.AuthorizationResponse
}

func (g *codeGrant) Type() GrantType { return GrantAuthorizationCode }

func (g *codeGrant) AuthorizationURL(ctx context.Context) (string, error) {
	state, err := misc.GenerateRandomState()
	if err != nil {
		return "", fmt.Errorf("hub auth: %w", err)
	}
	if err = g.store.SaveState(ctx, state); err != nil {
		return "", fmt.Errorf("hub auth: persist authorization state: %w", err)
	}
	log.WithField("grant", GrantAuthorizationCode).Debug("persisted authorization state")
	return g.endpoint.authCodeURL(state, g.email), nil
}

// FetchToken redeems the auth_code. Without one it produces an authorization URL instead and
// returns AuthorizationPendingError.
func (g *codeGrant) FetchToken(ctx context.Context) (Token, error) {
	if g.response == nil || g.response.Code == "" {
		link, err := g.AuthorizationURL(ctx)
		if err != nil {
			return Token{}, err
		}
		return Token{}, &AuthorizationPendingError{URL: link}
	}
	if err := g.verifyState(ctx); err != nil {
		return Token{}, err
	}
	return g.endpoint.exchange(ctx, g.response.Code, g.email)
}

// Refetchable is false: an auth_code is single-use.
func (g *codeGrant) Refetchable() bool { return false }

// refreshParams carries the email the code was issued for; the hub binds mail logins to it.
func (g *codeGrant) refreshParams() url.Values {
	if g.email == "" {
		return nil
	}
	return url.Values{"email": {g.email}}
}

// verifyState requires a persisted state and, when the response carries one, equality with it.
func (g *codeGrant) verifyState(ctx context.Context) error {
	persisted, ok, err := g.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("hub auth: load authorization state: %w", err)
	}
	if ok && (g.response.State == "" || subtle.ConstantTimeCompare([]byte(persisted), []byte(g.response.State)) == 1) {
		return nil
	}

	authErr := configurationError("stale or foreign authorization response", "request a new authorization mail")
	authErr.Grant = GrantAuthorizationCode
	link, errURL := g.AuthorizationURL(ctx)
	if errURL != nil {
		log.WithError(errURL).Warn("could not generate a fresh authorization URL")
		return authErr
	}
	return authErr.withAuthorizationURL(link)
}
