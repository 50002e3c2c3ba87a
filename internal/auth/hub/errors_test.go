package hub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestAuthError_IsMatchesType(t *testing.T) {
	err := NewAuthError(ErrInvalidGrant, GrantPassword, errors.New("boom"))
	wrapped := fmt.Errorf("request: %w", err)

	assert.ErrorIs(t, wrapped, ErrInvalidGrant)
	assert.NotErrorIs(t, wrapped, ErrInvalidClient)
	assert.Contains(t, err.Error(), "caused by: boom")
	assert.Equal(t, GrantPassword, err.Grant)
}

func TestClassifyTokenError(t *testing.T) {
	retrieve := func(status int, code, body string) error {
		return &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: status},
			Body:      []byte(body),
			ErrorCode: code,
		}
	}

	tests := []struct {
		name string
		err  error
		want *AuthError
	}{
		{"invalid grant", retrieve(http.StatusBadRequest, "invalid_grant", ""), ErrInvalidGrant},
		{"invalid client", retrieve(http.StatusUnauthorized, "invalid_client", ""), ErrInvalidClient},
		{"unauthorized client", retrieve(http.StatusBadRequest, "unauthorized_client", ""), ErrUnauthorizedClient},
		{"unsupported grant", retrieve(http.StatusBadRequest, "unsupported_grant_type", ""), ErrUnauthorizedClient},
		{"code from body", retrieve(http.StatusUnauthorized, "", `{"error":"invalid_grant"}`), ErrInvalidGrant},
		{"server error", retrieve(http.StatusBadGateway, "", "bad gateway"), ErrTransient},
		{"rate limited", retrieve(http.StatusTooManyRequests, "", ""), ErrTransient},
		{"deadline", context.DeadlineExceeded, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyTokenError(tt.err, GrantPassword)
			assert.ErrorIs(t, got, tt.want)
		})
	}

	t.Run("other status", func(t *testing.T) {
		got := classifyTokenError(retrieve(http.StatusForbidden, "", ""), GrantPassword)
		var authErr *AuthError
		assert.False(t, errors.As(got, &authErr))
		var oauthErr *OAuthError
		assert.ErrorAs(t, got, &oauthErr)
		assert.Equal(t, http.StatusForbidden, oauthErr.StatusCode)
	})

	t.Run("canceled", func(t *testing.T) {
		got := classifyTokenError(context.Canceled, GrantPassword)
		assert.ErrorIs(t, got, context.Canceled)
		assert.NotErrorIs(t, got, ErrTransient)
	})

	assert.NoError(t, classifyTokenError(nil, GrantPassword))
}

func TestRetryTransient(t *testing.T) {
	calls := 0
	err := retryTransient(context.Background(), 2, 0, "op", func() error {
		calls++
		return NewAuthError(ErrTransient, GrantPassword, errors.New("down"))
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryTransient(context.Background(), 2, 0, "op", func() error {
		calls++
		return NewAuthError(ErrInvalidGrant, GrantPassword, nil)
	})
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = retryTransient(ctx, 2, time.Hour, "op", func() error {
		calls++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestGetUserFriendlyMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"pending", &AuthorizationPendingError{URL: "http://hub/oauth/authorize/?state=x"}, "http://hub/oauth/authorize/?state=x"},
		{"configuration", configurationError("missing client_id", "register a client"), "missing client_id register a client"},
		{"code grant", NewAuthError(ErrInvalidGrant, GrantAuthorizationCode, nil), "request a fresh authorization URL"},
		{"password grant", NewAuthError(ErrInvalidGrant, GrantPassword, nil), "check username and password"},
		{"unauthorized client", NewAuthError(ErrUnauthorizedClient, GrantPassword, nil), `enable the "password" grant type`},
		{"transient", NewAuthError(ErrTransient, GrantPassword, nil), "try again later"},
		{"unknown", errors.New("boom"), "unexpected error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, GetUserFriendlyMessage(tt.err), tt.want)
		})
	}
}

func TestAuthorizationPendingError(t *testing.T) {
	err := fmt.Errorf("build: %w", &AuthorizationPendingError{URL: "http://hub/x"})
	link, ok := IsAuthorizationPending(err)
	assert.True(t, ok)
	assert.Equal(t, "http://hub/x", link)

	_, ok = IsAuthorizationPending(ErrConfiguration)
	assert.False(t, ok)
}

func TestIsTransient(t *testing.T) {
	wrap := func(err error) error {
		return &url.Error{Op: "Post", URL: "https://hub.example.com/oauth/token/", Err: err}
	}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), true},
		{"connection reset", wrap(syscall.ECONNRESET), true},
		{"deadline", wrap(context.DeadlineExceeded), true},
		{"unexpected eof", wrap(io.ErrUnexpectedEOF), true},
		{"dns", wrap(&net.DNSError{Err: "no such host", Name: "hub.example.com", IsTemporary: true}), true},
		{"unknown authority", wrap(x509.UnknownAuthorityError{}), false},
		{"verification", wrap(&tls.CertificateVerificationError{Err: x509.HostnameError{Host: "hub"}}), false},
		{"bad scheme", wrap(errors.New(`unsupported protocol scheme "ftp"`)), false},
		{"canceled", wrap(context.Canceled), false},
		{"bare url error", &url.Error{Op: "Get", URL: "x"}, false},
		{"transient auth error", NewAuthError(ErrTransient, GrantPassword, nil), true},
		{"invalid grant", NewAuthError(ErrInvalidGrant, GrantPassword, nil), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestFactory_UntrustedCertificateIsNotRetried(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handshake must fail before any request is served")
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Config.ErrorLog = log.New(io.Discard, "", 0)
	srv.StartTLS()
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	retries := 2
	cfg := &config.Config{
		Host:         host,
		Port:         port,
		Protocol:     "https",
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		Username:     testUsername,
		Password:     testPassword,
		StateFile:    filepath.Join(t.TempDir(), "state.json"),
	}
	cfg.TransientRetries = &retries
	cfg.TransientBackoff = time.Millisecond
	cfg.ApplyDefaults()

	f := NewFactory(cfg, NewFileStateStore(cfg.StateFile), WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	_, err = f.Build(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
	var verifyErr *tls.CertificateVerificationError
	assert.ErrorAs(t, err, &verifyErr)
	assert.EqualValues(t, 1, conns.Load())
}
