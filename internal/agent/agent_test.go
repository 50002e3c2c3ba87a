package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/converter"
	"github.com/innoactive/asset-pipeline-connector/internal/hubapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const startChair = `{"type":"CONVERSION_START","data":{"id":42,"name":"chair","upload":{"file":"/media/uploads/chair.fbx"}}}`

type fakeAuth struct {
	mu      sync.Mutex
	token   string
	renewed int
	err     error
}

func (f *fakeAuth) AuthorizationHeader(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "Bearer " + f.token, nil
}

func (f *fakeAuth) Renew(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
	f.token = "T2"
	return nil
}

type fakeHub struct {
	mu       sync.Mutex
	uploaded []string
	states   []string
}

func (f *fakeHub) Download(_ context.Context, filePath, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(filePath))
	return target, os.WriteFile(target, []byte("fbx"), 0o600)
}

func (f *fakeHub) CreatePlatformModel(_ context.Context, modelID, platformID int64) (*hubapi.PlatformModel, error) {
	return &hubapi.PlatformModel{ID: 99, Model: modelID, Platform: platformID, ConversionState: hubapi.ConversionInProgress}, nil
}

func (f *fakeHub) UploadResult(_ context.Context, id int64, resultPath string) (*hubapi.PlatformModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, resultPath)
	return &hubapi.PlatformModel{ID: id, ConversionState: hubapi.ConversionFinished}, nil
}

func (f *fakeHub) UpdateState(_ context.Context, _ int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

type failingConverter struct{}

func (failingConverter) Name() string { return "broken" }

func (failingConverter) Convert(context.Context, string, string) (string, error) {
	return "", errors.New("tool crashed")
}

// pipelineServer accepts websocket connections, sends start on each and forwards every message
// it receives.
type pipelineServer struct {
	*httptest.Server
	received    chan string
	connections atomic.Int32
	headers     chan http.Header
}

func newPipelineServer(t *testing.T, start string, handshake func(http.Header) int) *pipelineServer {
	t.Helper()
	s := &pipelineServer{received: make(chan string, 16), headers: make(chan http.Header, 8)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.headers <- r.Header.Clone():
		default:
		}
		if handshake != nil {
			if status := handshake(r.Header); status != 0 {
				w.WriteHeader(status)
				return
			}
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		s.connections.Add(1)
		if start != "" {
			if err = ws.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
				return
			}
		}
		for {
			_, data, errRead := ws.ReadMessage()
			if errRead != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pipelineServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/assets/pipeline/"
}

func (s *pipelineServer) next(t *testing.T) gjson.Result {
	t.Helper()
	select {
	case msg := <-s.received:
		return gjson.Parse(msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return gjson.Result{}
	}
}

func startAgent(t *testing.T, opts Options) {
	t.Helper()
	opts.ReconnectDelay = 10 * time.Millisecond
	a, err := New(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

func TestAgent_ConvertsAnnouncedModel(t *testing.T) {
	srv := newPipelineServer(t, startChair, nil)
	fh := &fakeHub{}
	work := t.TempDir()
	startAgent(t, Options{
		URL:          srv.wsURL(),
		PlatformSlug: "unity",
		PlatformID:   7,
		WorkDir:      work,
		Auth:         &fakeAuth{token: "T1"},
		Hub:          fh,
		Converter:    converter.Noop{},
	})

	header := <-srv.headers
	assert.Equal(t, "Bearer T1", header.Get("Authorization"))
	assert.Equal(t, "unity", header.Get(SlugHeader))

	progress := srv.next(t)
	assert.Equal(t, MessageConversionProgress, progress.Get("type").String())
	assert.Equal(t, int64(42), progress.Get("model_id").Int())

	success := srv.next(t)
	assert.Equal(t, MessageConversionSuccess, success.Get("type").String())
	assert.Equal(t, int64(42), success.Get("model_id").Int())
	assert.Equal(t, int64(99), success.Get("platform_model_id").Int())

	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, []string{filepath.Join(work, "42", "converted", "chair.fbx")}, fh.uploaded)
	assert.Empty(t, fh.states)
}

func TestAgent_ReportsConversionFailure(t *testing.T) {
	srv := newPipelineServer(t, startChair, nil)
	fh := &fakeHub{}
	startAgent(t, Options{
		URL:       srv.wsURL(),
		WorkDir:   t.TempDir(),
		Auth:      &fakeAuth{token: "T1"},
		Hub:       fh,
		Converter: failingConverter{},
	})

	assert.Equal(t, MessageConversionProgress, srv.next(t).Get("type").String())
	fail := srv.next(t)
	assert.Equal(t, MessageConversionFail, fail.Get("type").String())
	assert.Equal(t, int64(99), fail.Get("platform_model_id").Int())
	assert.Contains(t, fail.Get("error").String(), "tool crashed")

	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, []string{hubapi.ConversionError}, fh.states)
	assert.Empty(t, fh.uploaded)
}

func TestAgent_RenewsTokenRejectedAtHandshake(t *testing.T) {
	srv := newPipelineServer(t, "", func(h http.Header) int {
		if h.Get("Authorization") != "Bearer T2" {
			return http.StatusUnauthorized
		}
		return 0
	})
	auth := &fakeAuth{token: "T1"}
	startAgent(t, Options{URL: srv.wsURL(), WorkDir: t.TempDir(), Auth: auth, Hub: &fakeHub{}, Converter: converter.Noop{}})

	assert.Equal(t, "Bearer T1", (<-srv.headers).Get("Authorization"))
	assert.Equal(t, "Bearer T2", (<-srv.headers).Get("Authorization"))
	assert.Eventually(t, func() bool { return srv.connections.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Equal(t, 1, auth.renewed)
}

func TestAgent_ReconnectsAfterDisconnect(t *testing.T) {
	var first atomic.Bool
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		connections.Add(1)
		if first.CompareAndSwap(false, true) {
			return
		}
		for {
			if _, _, errRead := ws.ReadMessage(); errRead != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	startAgent(t, Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		WorkDir:   t.TempDir(),
		Auth:      &fakeAuth{token: "T1"},
		Hub:       &fakeHub{},
		Converter: converter.Noop{},
	})
	assert.Eventually(t, func() bool { return connections.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestAgent_StopsOnFailedSession(t *testing.T) {
	failed := hub.NewAuthError(hub.ErrSessionFailed, hub.GrantAuthorizationCode, hub.ErrInvalidGrant)
	a, err := New(Options{
		URL:       "ws://127.0.0.1:1/",
		Auth:      &fakeAuth{err: failed},
		Hub:       &fakeHub{},
		Converter: converter.Noop{},
	})
	require.NoError(t, err)

	err = a.Run(context.Background())
	assert.ErrorIs(t, err, hub.ErrSessionFailed)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://hub/"})
	assert.Error(t, err)

	a, err := New(Options{URL: " ws://hub/ ", Auth: &fakeAuth{}, Hub: &fakeHub{}, Converter: converter.Noop{}})
	require.NoError(t, err)
	assert.Equal(t, "ws://hub/", a.opts.URL)
	assert.Equal(t, DefaultHeartbeatInterval, a.opts.HeartbeatInterval)
	assert.Equal(t, DefaultMaxReconnectDelay, a.opts.MaxReconnectDelay)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(hub.NewAuthError(hub.ErrInvalidClient, hub.GrantPassword, nil)))
	assert.True(t, isTerminal(hub.ErrConfiguration))
	assert.False(t, isTerminal(hub.NewAuthError(hub.ErrTransient, hub.GrantPassword, nil)))
	assert.False(t, isTerminal(errors.New("connection reset")))
	assert.False(t, isTerminal(nil))
}
