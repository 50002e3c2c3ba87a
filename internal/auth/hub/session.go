package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SessionState is the lifecycle position of a Session.
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateAuthenticating  SessionState = "authenticating"
	StateAuthenticated   SessionState = "authenticated"
	StateRefreshing      SessionState = "refreshing"
	// StateFailed is terminal; every request returns the recorded failure.
	StateFailed SessionState = "failed"
)

// DefaultMaxRetries is how often a request is replayed after a renewal triggered by a 401.
const DefaultMaxRetries = 1

// Session is an authenticated hub client. Requests sent through it carry the current access
// token and are renewed transparently when the hub rejects the token.
type Session struct {
	grant    Grant
	endpoint *tokenEndpoint
	baseURL  *url.URL
	client   *http.Client
	now      func() time.Time

	mu         sync.RWMutex
	token      Token
	generation uint64
	state      SessionState
	failure    error

	renewals singleflight.Group
}

func newSession(grant Grant, endpoint *tokenEndpoint, baseURL *url.URL, base *http.Client, maxRetries int, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		grant:    grant,
		endpoint: endpoint,
		baseURL:  baseURL,
		now:      now,
		state:    StateUnauthenticated,
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	s.client = &http.Client{
		Transport: &RefreshTransport{
			Base:       next,
			Session:    s,
			MaxRetries: maxRetries,
			Retries:    endpoint.retries,
			Backoff:    endpoint.backoff,
		},
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}
	return s
}

// Grant returns the grant type fixed at construction.
func (s *Session) Grant() GrantType { return s.grant.Type() }

// BaseURL returns a copy of the hub root URL.
func (s *Session) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// HTTPClient returns the client wrapped with RefreshTransport.
func (s *Session) HTTPClient() *http.Client { return s.client }

// Token returns a snapshot of the current token.
func (s *Session) Token() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the token pair. It also lifts the session out of the unauthenticated state,
// which lets callers seed a token obtained elsewhere.
func (s *Session) SetToken(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTokenLocked(tok)
}

func (s *Session) setTokenLocked(tok Token) {
	s.token = tok
	s.generation++
	if s.state != StateFailed {
		s.state = StateAuthenticated
	}
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure that moved the session to StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

func (s *Session) snapshot() (Token, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateFailed {
		return Token{}, s.generation, s.failure
	}
	return s.token, s.generation, nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		s.state = state
	}
}

// fail moves the session to StateFailed and records cause.
func (s *Session) fail(cause error) error {
	failure := NewAuthError(ErrSessionFailed, s.grant.Type(), cause)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return s.failure
	}
	s.state = StateFailed
	s.failure = failure
	log.WithField("grant", s.grant.Type()).WithError(cause).Error("hub session failed permanently")
	return failure
}

// authenticate fetches the first token.
func (s *Session) authenticate(ctx context.Context) error {
	s.setState(StateAuthenticating)
	tok, err := s.grant.FetchToken(ctx)
	if err != nil {
		s.setState(StateUnauthenticated)
		return err
	}
	s.SetToken(tok)
	return nil
}

// ensureFresh renews the token before sending when its expiry has passed.
func (s *Session) ensureFresh(ctx context.Context) error {
	tok, gen, err := s.snapshot()
	if err != nil {
		return err
	}
	if !tok.Expired(s.now()) {
		return nil
	}
	log.WithField("grant", s.grant.Type()).Debug("access token expired, renewing before request")
	return s.renew(ctx, gen)
}

// renew replaces the token that was current at generation stale. Concurrent callers for the same
// generation share one renewal; a caller whose token was already replaced returns at once.
func (s *Session) renew(ctx context.Context, stale uint64) error {
	_, err, _ := s.renewals.Do(strconv.FormatUint(stale, 10), func() (any, error) {
		tok, gen, errSnap := s.snapshot()
		if errSnap != nil {
			return nil, errSnap
		}
		if gen != stale {
			return nil, nil
		}
		return nil, s.renewToken(ctx, tok)
	})
	return err
}

func (s *Session) renewToken(ctx context.Context, current Token) error {
	s.setState(StateRefreshing)
	grant := s.grant.Type()

	var errRefresh error
	if current.RefreshToken != "" {
		tok, err := s.endpoint.refresh(ctx, grant, current.RefreshToken, s.grant.refreshParams())
		if err == nil {
			log.WithField("grant", grant).Info("refreshed hub access token")
			s.SetToken(tok)
			return nil
		}
		if !errors.Is(err, ErrInvalidGrant) {
			s.setState(StateAuthenticated)
			return s.classifyRenewalError(err)
		}
		errRefresh = err
	} else {
		errRefresh = NewAuthError(ErrInvalidGrant, grant, errors.New("no refresh token issued"))
	}

	if !s.grant.Refetchable() {
		return s.fail(errRefresh)
	}

	log.WithField("grant", grant).WithError(errRefresh).Info("refresh not possible, fetching a new hub token")
	tok, err := s.grant.FetchToken(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return s.fail(err)
		}
		s.setState(StateAuthenticated)
		return s.classifyRenewalError(err)
	}
	s.SetToken(tok)
	return nil
}

// classifyRenewalError makes client errors terminal and passes transient ones through.
func (s *Session) classifyRenewalError(err error) error {
	if errors.Is(err, ErrInvalidClient) || errors.Is(err, ErrUnauthorizedClient) {
		return s.fail(err)
	}
	return err
}

// AuthorizationHeader returns the Authorization value of the current token, renewing it first
// when it has expired. Used where requests do not go through Do, such as the websocket dial.
func (s *Session) AuthorizationHeader(ctx context.Context) (string, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return "", err
	}
	tok, _, err := s.snapshot()
	if err != nil {
		return "", err
	}
	return tok.AuthorizationValue(), nil
}

// Renew replaces the current token as if the hub had rejected it. Callers that authenticate
// outside Do, such as the websocket handshake, use it after a 401.
func (s *Session) Renew(ctx context.Context) error {
	_, gen, err := s.snapshot()
	if err != nil {
		return err
	}
	return s.renew(ctx, gen)
}

// Do sends req through the refreshing client. Relative request URLs resolve against the hub root;
// absolute URLs on other hosts are sent without the access token.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if req.URL != nil && !req.URL.IsAbs() {
		clone := req.Clone(req.Context())
		clone.URL = s.baseURL.ResolveReference(req.URL)
		clone.Host = ""
		req = clone
	}
	return s.client.Do(req)
}

// Request builds and sends a request. rawURL may be relative to the hub root.
func (s *Session) Request(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*http.Response, error) {
	target, err := s.ResolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("hub request: %w", err)
	}
	misc.MergeHeaders(req.Header, header)
	misc.EnsureHeader(req.Header, nil, "Accept", "application/json")
	return s.client.Do(req)
}

// isHubURL reports whether u shares scheme, host and port with the hub root. Only such requests
// carry the access token.
func (s *Session) isHubURL(u *url.URL) bool {
	if u == nil || s.baseURL == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.baseURL.Scheme) && originHost(u) == originHost(s.baseURL)
}

func originHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
			port = "443"
		case "http", "ws":
			port = "80"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

// ResolveURL resolves rawURL against the hub root.
func (s *Session) ResolveURL(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("hub request: invalid url %q: %w", rawURL, err)
	}
	return s.baseURL.ResolveReference(ref).String(), nil
}
