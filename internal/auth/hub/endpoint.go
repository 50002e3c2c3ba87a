package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// TokenPath is the token endpoint relative to the hub base URL.
	TokenPath = "oauth/token/"
	// AuthorizePath is the authorization endpoint relative to the hub base URL.
	AuthorizePath = "oauth/authorize/"

	maxTokenResponse = 1 << 20
)

// internalKey marks requests issued by the session machinery itself.
type internalKey struct{}

func withInternal(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalKey{}, true)
}

func isInternal(ctx context.Context) bool {
	v, _ := ctx.Value(internalKey{}).(bool)
	return v
}

// tokenEndpoint talks to the hub token endpoint through the unwrapped base client, so token
// calls never pass through RefreshTransport.
type tokenEndpoint struct {
	conf    *oauth2.Config
	client  *http.Client
	retries int
	backoff time.Duration
}

func newTokenEndpoint(baseURL *url.URL, clientID, clientSecret string, client *http.Client, retries int, backoff time.Duration) *tokenEndpoint {
	return &tokenEndpoint{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL.ResolveReference(&url.URL{Path: AuthorizePath}).String(),
				TokenURL:  baseURL.ResolveReference(&url.URL{Path: TokenPath}).String(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:  client,
		retries: retries,
		backoff: backoff,
	}
}

func (e *tokenEndpoint) context(ctx context.Context) context.Context {
	return context.WithValue(withInternal(ctx), oauth2.HTTPClient, e.client)
}

func (e *tokenEndpoint) retrieve(ctx context.Context, grant GrantType, op string, fetch func(context.Context) (*oauth2.Token, error)) (Token, error) {
	var tok *oauth2.Token
	err := retryTransient(ctx, e.retries, e.backoff, op, func() error {
		var errFetch error
		tok, errFetch = fetch(e.context(ctx))
		return classifyTokenError(errFetch, grant)
	})
	if err != nil {
		return Token{}, err
	}
	log.WithField("grant", grant).Debugf("%s succeeded", op)
	return tokenFromOAuth2(tok), nil
}

func (e *tokenEndpoint) password(ctx context.Context, username, password string) (Token, error) {
	return e.retrieve(ctx, GrantPassword, "password token request", func(ctx context.Context) (*oauth2.Token, error) {
		return e.conf.PasswordCredentialsToken(ctx, username, password)
	})
}

func (e *tokenEndpoint) exchange(ctx context.Context, code, email string) (Token, error) {
	return e.retrieve(ctx, GrantAuthorizationCode, "authorization code exchange", func(ctx context.Context) (*oauth2.Token, error) {
		return e.conf.Exchange(ctx, code, oauth2.SetAuthURLParam("email", email))
	})
}

// refresh redeems refreshToken. The empty access token forces the token source to hit the hub.
// The oauth2 token source cannot carry extra form values, so a refresh with params is posted
// directly.
func (e *tokenEndpoint) refresh(ctx context.Context, grant GrantType, refreshToken string, params url.Values) (Token, error) {
	return e.retrieve(ctx, grant, "token refresh", func(ctx context.Context) (*oauth2.Token, error) {
		if len(params) == 0 {
			return e.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		}
		return e.postRefresh(ctx, refreshToken, params)
	})
}

func (e *tokenEndpoint) postRefresh(ctx context.Context, refreshToken string, params url.Values) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {e.conf.ClientID},
		"client_secret": {e.conf.ClientSecret},
	}
	for key, values := range params {
		form[key] = append([]string(nil), values...)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.conf.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("hub token endpoint: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, fmt.Errorf("hub token endpoint: read body: %w", err)
	}
	result := gjson.ParseBytes(body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        result.Get("error").String(),
			ErrorDescription: result.Get("error_description").String(),
			ErrorURI:         result.Get("error_uri").String(),
		}
	}

	tok := &oauth2.Token{
		AccessToken:  result.Get("access_token").String(),
		TokenType:    result.Get("token_type").String(),
		RefreshToken: result.Get("refresh_token").String(),
	}
	if tok.AccessToken == "" {
		return nil, errors.New("hub token endpoint: server response missing access_token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if expiresIn := result.Get("expires_in").Int(); expiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return tok, nil
}

func (e *tokenEndpoint) authCodeURL(state, email string) string {
	return e.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("email", email))
}
