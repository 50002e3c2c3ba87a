package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "client"
	testClientSecret = "secret"
	testUsername     = "user"
	testPassword     = "pass"
	testEmail        = "ops@example.com"
	testCode         = "mail-code"
)

// mockHub serves oauth/token/ and a protected mock/ route the way the hub backend does.
type mockHub struct {
	server *httptest.Server

	mu           sync.Mutex
	issued       int
	validAccess  string
	validRefresh string
	issueRefresh bool
	expiresIn    int
	failToken    int
	grants       []string
	forms        []url.Values
	bodies       []string

	tokenCalls atomic.Int32
	apiCalls   atomic.Int32
	alwaysDeny atomic.Bool
	slowToken  time.Duration
	// redirectTo is where redirect/ sends clients.
	redirectTo string
}

func newMockHub(t *testing.T) *mockHub {
	t.Helper()
	m := &mockHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token/", m.handleToken)
	mux.HandleFunc("/mock/", m.handleAPI)
	mux.HandleFunc("/redirect/", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		target := m.redirectTo
		m.mu.Unlock()
		http.Redirect(w, r, target, http.StatusFound)
	})
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (m *mockHub) handleToken(w http.ResponseWriter, r *http.Request) {
	m.tokenCalls.Add(1)
	if m.slowToken > 0 {
		time.Sleep(m.slowToken)
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.forms = append(m.forms, r.PostForm)
	grant := r.PostForm.Get("grant_type")
	m.grants = append(m.grants, grant)

	if m.failToken > 0 {
		m.failToken--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "maintenance"})
		return
	}
	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch grant {
	case "password":
		if r.PostForm.Get("username") != testUsername || r.PostForm.Get("password") != testPassword {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "authorization_code":
		if r.PostForm.Get("code") != testCode || r.PostForm.Get("email") != testEmail {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		if m.validRefresh == "" || r.PostForm.Get("refresh_token") != m.validRefresh {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	m.issued++
	m.validAccess = fmt.Sprintf("T%d", m.issued)
	resp := map[string]any{"access_token": m.validAccess, "token_type": "Bearer"}
	if m.issueRefresh {
		m.validRefresh = fmt.Sprintf("R%d", m.issued)
		resp["refresh_token"] = m.validRefresh
	}
	if m.expiresIn > 0 {
		resp["expires_in"] = m.expiresIn
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *mockHub) handleAPI(w http.ResponseWriter, r *http.Request) {
	m.apiCalls.Add(1)
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.bodies = append(m.bodies, string(body))
	access := m.validAccess
	m.mu.Unlock()

	if m.alwaysDeny.Load() || access == "" || r.Header.Get("Authorization") != "Bearer "+access {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "myresponse")
}

// revokeAccess invalidates the current access token server-side.
func (m *mockHub) revokeAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validAccess = "revoked"
}

func (m *mockHub) grantLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.grants...)
}

func (m *mockHub) lastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.forms) == 0 {
		return nil
	}
	return m.forms[len(m.forms)-1]
}

func (m *mockHub) config(t *testing.T) *config.Config {
	t.Helper()
	u, err := url.Parse(m.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	retries := 0
	cfg := &config.Config{
		Host:         host,
		Port:         port,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		StateFile:    filepath.Join(t.TempDir(), "state.json"),
	}
	cfg.TransientRetries = &retries
	cfg.TransientBackoff = time.Millisecond
	cfg.ApplyDefaults()
	return cfg
}

func (m *mockHub) passwordConfig(t *testing.T) *config.Config {
	cfg := m.config(t)
	cfg.Username = testUsername
	cfg.Password = testPassword
	return cfg
}

func (m *mockHub) factory(cfg *config.Config, opts ...FactoryOption) (*Factory, *FileStateStore) {
	store := NewFileStateStore(cfg.StateFile)
	opts = append([]FactoryOption{WithHTTPClient(m.server.Client())}, opts...)
	return NewFactory(cfg, store, opts...), store
}

func getMock(t *testing.T, s *Session) (*http.Response, string, error) {
	t.Helper()
	resp, err := s.Request(context.Background(), http.MethodGet, "mock/", nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, errRead := io.ReadAll(resp.Body)
	require.NoError(t, errRead)
	return resp, string(body), nil
}

// forbiddenStore fails the test on any access.
type forbiddenStore struct{ t *testing.T }

func (s forbiddenStore) SaveState(context.Context, string) error {
	s.t.Error("state store must not be touched")
	return nil
}

func (s forbiddenStore) LoadState(context.Context) (string, bool, error) {
	s.t.Error("state store must not be touched")
	return "", false, nil
}
