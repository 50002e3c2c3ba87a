// Package agent keeps a websocket connection to the hub conversion pipeline open and runs the
// conversion jobs it announces, one at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/converter"
	"github.com/innoactive/asset-pipeline-connector/internal/hubapi"
	"github.com/innoactive/asset-pipeline-connector/internal/logging"
	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second

	jobQueueSize = 64
)

// Authorizer supplies the Authorization header of the websocket handshake. *hub.Session
// implements it.
type Authorizer interface {
	AuthorizationHeader(ctx context.Context) (string, error)
	Renew(ctx context.Context) error
}

// HubClient is the subset of *hubapi.Client a conversion job uses.
type HubClient interface {
	Download(ctx context.Context, filePath, dir string) (string, error)
	CreatePlatformModel(ctx context.Context, modelID, platformID int64) (*hubapi.PlatformModel, error)
	UploadResult(ctx context.Context, platformModelID int64, resultPath string) (*hubapi.PlatformModel, error)
	UpdateState(ctx context.Context, platformModelID int64, state string) error
}

// Options configures an Agent. URL, Auth, Hub and Converter are required.
type Options struct {
	URL          string
	PlatformSlug string
	PlatformID   int64
	WorkDir      string

	Auth      Authorizer
	Hub       HubClient
	Converter converter.Converter
	Dialer    *websocket.Dialer

	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Agent listens for conversion events and runs them.
type Agent struct {
	opts Options
}

// New validates opts and fills defaults.
func New(opts Options) (*Agent, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, errors.New("agent: websocket url is required")
	}
	if opts.Auth == nil || opts.Hub == nil || opts.Converter == nil {
		return nil, errors.New("agent: auth, hub client and converter are required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = config.DefaultWorkDir
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(DefaultMaxReconnectDelay, opts.ReconnectDelay)
	}
	return &Agent{opts: opts}, nil
}

// NewDialer returns a websocket dialer sharing the proxy and TLS settings of hub HTTP traffic.
func NewDialer(cfg *config.SDKConfig) (*websocket.Dialer, error) {
	transport, err := util.NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &websocket.Dialer{
		Proxy:            transport.Proxy,
		NetDialContext:   transport.DialContext,
		TLSClientConfig:  transport.TLSClientConfig,
		HandshakeTimeout: cfg.Timeout(),
	}, nil
}

// Run connects to the hub and serves conversion events until ctx is done. Lost connections are
// re-established with exponential backoff. Run returns early only for authentication failures
// that renewing cannot fix.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.opts.ReconnectDelay
	for {
		connected, err := a.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isTerminal(err) {
			return err
		}
		if connected {
			delay = a.opts.ReconnectDelay
		}
		log.WithError(err).Warnf("hub connection lost, reconnecting in %s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, a.opts.MaxReconnectDelay)
	}
}

// serve runs one connection. connected reports whether the handshake succeeded.
func (a *Agent) serve(ctx context.Context) (connected bool, err error) {
	ws, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	c := newConn(ws, uuid.NewString(), a.opts.ReadTimeout, a.opts.HeartbeatInterval)
	defer c.close(errClosed)
	stop := context.AfterFunc(ctx, func() { c.close(ctx.Err()) })
	defer stop()
	log.WithFields(log.Fields{"connection": c.id, "platform": a.opts.PlatformSlug}).Info("connected to hub")

	jobs := make(chan *Job, jobQueueSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		readErr <- a.readLoop(c, jobs)
	}()

	for job := range jobs {
		if errJob := a.runJob(ctx, c, job); isTerminal(errJob) {
			c.close(errJob)
			for range jobs {
			}
			<-readErr
			return true, errJob
		}
	}
	return true, <-readErr
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 0; ; attempt++ {
		authorization, err := a.opts.Auth.AuthorizationHeader(ctx)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("Authorization", authorization)
		if a.opts.PlatformSlug != "" {
			header.Set(SlugHeader, a.opts.PlatformSlug)
		}
		log.WithField("url", util.MaskURL(a.opts.URL)).Debugf("dialing hub with %s", util.MaskAuthorizationHeader(authorization))
		ws, resp, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, header)
		if err == nil {
			return ws, nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			log.Info("hub rejected the websocket token, renewing")
			if errRenew := a.opts.Auth.Renew(ctx); errRenew != nil {
				return nil, errRenew
			}
			continue
		}
		if resp != nil {
			return nil, fmt.Errorf("agent: dial %s: %w (status %d)", util.MaskURL(a.opts.URL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("agent: dial %s: %w", util.MaskURL(a.opts.URL), err)
	}
}

// readLoop queues CONVERSION_START jobs until the connection fails.
func (a *Agent) readLoop(c *conn, jobs chan<- *Job) error {
	for {
		data, err := c.read()
		if err != nil {
			return err
		}
		msgType, job, err := parseMessage(data)
		if err != nil {
			log.WithField("connection", c.id).WithError(err).Warn("ignoring malformed hub message")
			continue
		}
		if job == nil {
			log.WithField("connection", c.id).Debugf("ignoring hub message of type %q", msgType)
			continue
		}
		job.ID = logging.GenerateRequestID()
		select {
		case jobs <- job:
		default:
			log.WithFields(log.Fields{"job": job.ID, "model_id": job.ModelID}).Error("job queue full, dropping conversion request")
		}
	}
}

// isTerminal reports errors a reconnect cannot cure.
func isTerminal(err error) bool {
	return errors.Is(err, hub.ErrSessionFailed) ||
		errors.Is(err, hub.ErrInvalidClient) ||
		errors.Is(err, hub.ErrUnauthorizedClient) ||
		errors.Is(err, hub.ErrConfiguration)
}
