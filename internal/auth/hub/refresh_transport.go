package hub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
)

// RefreshTransport authorizes outgoing requests with the token of Session. It renews an expired
// token before sending and, when the hub answers 401, renews the token and replays the request
// at most MaxRetries times. Token endpoint calls and requests to hosts other than the hub, such
// as storage redirects, are passed through untouched.
type RefreshTransport struct {
	// Base performs the actual round trips. Nil selects http.DefaultTransport.
	Base    http.RoundTripper
	Session *Session
	// MaxRetries bounds replays after a 401. Zero selects DefaultMaxRetries; negative disables.
	MaxRetries int
	// Retries bounds extra attempts of idempotent requests after network failures.
	Retries int
	// Backoff is the linear wait step between network retries.
	Backoff time.Duration
}

func (t *RefreshTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RefreshTransport) maxRetries() int {
	switch {
	case t.MaxRetries < 0:
		return 0
	case t.MaxRetries == 0:
		return DefaultMaxRetries
	}
	return t.MaxRetries
}

// RoundTrip implements http.RoundTripper.
func (t *RefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if isInternal(ctx) {
		return t.base().RoundTrip(req)
	}
	if !t.Session.isHubURL(req.URL) {
		log.WithField("url", util.MaskURL(req.URL.String())).Debug("foreign host, sending without hub credentials")
		return t.base().RoundTrip(req)
	}

	body, err := newReplayableBody(req)
	if err != nil {
		return nil, err
	}
	if err = t.Session.ensureFresh(ctx); err != nil {
		body.close()
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		tok, gen, errSnap := t.Session.snapshot()
		if errSnap != nil {
			body.close()
			return nil, errSnap
		}
		resp, errSend := t.send(req, tok, body)
		if errSend != nil {
			body.close()
			return nil, errSend
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt >= t.maxRetries() {
			return resp, nil
		}

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		log.WithFields(log.Fields{
			"method":  req.Method,
			"url":     util.MaskURL(req.URL.String()),
			"status":  resp.StatusCode,
			"attempt": attempt + 1,
		}).Info("hub rejected the access token, renewing")

		if err = t.Session.renew(ctx, gen); err != nil {
			body.close()
			return nil, err
		}
	}
}

// send performs one authorized round trip. Network failures of idempotent requests are retried
// within the Retries budget.
func (t *RefreshTransport) send(req *http.Request, tok Token, body *replayableBody) (*http.Response, error) {
	retries := t.Retries
	if !isIdempotent(req.Method) {
		retries = 0
	}
	backoff := t.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var resp *http.Response
	err := retryTransient(req.Context(), retries, backoff, "hub request", func() error {
		out := req.Clone(req.Context())
		reader, errBody := body.next()
		if errBody != nil {
			return errBody
		}
		out.Body = reader
		out.Header.Set("Authorization", tok.AuthorizationValue())

		var errRT error
		resp, errRT = t.base().RoundTrip(out)
		return errRT
	})
	return resp, err
}

func isIdempotent(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// replayableBody hands out a fresh copy of the request body for every attempt.
type replayableBody struct {
	first   io.ReadCloser
	getBody func() (io.ReadCloser, error)
	data    []byte
	used    bool
}

func newReplayableBody(req *http.Request) (*replayableBody, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return &replayableBody{}, nil
	}
	if req.GetBody != nil {
		return &replayableBody{first: req.Body, getBody: req.GetBody}, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("hub request: read body: %w", err)
	}
	return &replayableBody{data: data}, nil
}

func (b *replayableBody) next() (io.ReadCloser, error) {
	switch {
	case b.getBody != nil:
		if !b.used {
			b.used = true
			return b.first, nil
		}
		return b.getBody()
	case b.data != nil:
		return io.NopCloser(bytes.NewReader(b.data)), nil
	}
	return http.NoBody, nil
}

// close releases the original body when no attempt consumed it.
func (b *replayableBody) close() {
	if b.first != nil && !b.used {
		b.used = true
		_ = b.first.Close()
	}
}
