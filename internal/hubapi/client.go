// Package hubapi wraps the hub REST routes used by a conversion job. Every call goes through an
// authenticated hub session, so expired or revoked tokens are renewed transparently.
package hubapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Conversion states of a platform model.
const (
	ConversionPending    = "pen"
	ConversionInProgress = "pro"
	ConversionFinished   = "fin"
	ConversionError      = "err"
	ConversionWarning    = "war"
)

const (
	platformsBySlugPath = "api/platforms/slugs/"
	platformModelsPath  = "api/platformmodels/"
	maxErrorBody        = 4 << 10
)

// Requester sends a request relative to the hub root. *hub.Session implements it.
type Requester interface {
	Request(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*http.Response, error)
}

// Platform is a conversion target registered in the hub.
type Platform struct {
	ID   int64
	Slug string
	Name string
}

// PlatformModel is the per-platform conversion record of a model.
type PlatformModel struct {
	ID              int64
	Model           int64
	Platform        int64
	ConversionState string
	File            string
}

// StatusError is returned for non-2xx hub responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("hub api: %s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client calls the hub REST routes.
type Client struct {
	requester Requester
}

// New creates a Client on top of an authenticated requester.
func New(requester Requester) *Client {
	return &Client{requester: requester}
}

// PlatformBySlug fetches the platform the connector converts for.
func (c *Client) PlatformBySlug(ctx context.Context, slug string) (*Platform, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, fmt.Errorf("hub api: platform slug is required")
	}
	body, err := c.do(ctx, http.MethodGet, platformsBySlugPath+url.PathEscape(slug), nil, nil)
	if err != nil {
		return nil, err
	}
	result := gjson.ParseBytes(body)
	if !result.Get("id").Exists() {
		return nil, fmt.Errorf("hub api: platform %q: response carries no id", slug)
	}
	return &Platform{
		ID:   result.Get("id").Int(),
		Slug: result.Get("slug").String(),
		Name: result.Get("name").String(),
	}, nil
}

// CreatePlatformModel registers a platform model in progress for modelID.
func (c *Client) CreatePlatformModel(ctx context.Context, modelID, platformID int64) (*PlatformModel, error) {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "model", modelID)
	payload, _ = sjson.SetBytes(payload, "platform", platformID)
	payload, _ = sjson.SetBytes(payload, "conversion_state", ConversionInProgress)

	body, err := c.do(ctx, http.MethodPost, platformModelsPath, bytes.NewReader(payload), jsonHeader())
	if err != nil {
		return nil, err
	}
	return parsePlatformModel(body)
}

// UpdateState sets the conversion state of a platform model.
func (c *Client) UpdateState(ctx context.Context, platformModelID int64, state string) error {
	payload, _ := sjson.SetBytes([]byte(`{}`), "conversion_state", state)
	_, err := c.do(ctx, http.MethodPatch, platformModelURL(platformModelID), bytes.NewReader(payload), jsonHeader())
	return err
}

// UploadResult uploads the converted file and marks the platform model finished.
func (c *Client) UploadResult(ctx context.Context, platformModelID int64, resultPath string) (*PlatformModel, error) {
	buf, contentType, err := multipartBody(resultPath, map[string]string{"conversion_state": ConversionFinished})
	if err != nil {
		return nil, err
	}
	header := http.Header{"Content-Type": {contentType}}
	log.WithFields(log.Fields{"model_id": platformModelID, "path": resultPath}).Info("uploading conversion result")
	// *bytes.Buffer lets the request body be replayed after a token renewal.
	body, err := c.do(ctx, http.MethodPut, platformModelURL(platformModelID), buf, header)
	if err != nil {
		return nil, err
	}
	return parsePlatformModel(body)
}

// Download fetches filePath, absolute or relative to the hub root, into dir and returns the local
// path. The local name is the last path element of the remote file.
func (c *Client) Download(ctx context.Context, filePath, dir string) (string, error) {
	name, err := remoteBaseName(filePath)
	if err != nil {
		return "", err
	}
	resp, err := c.requester.Request(ctx, http.MethodGet, filePath, nil, http.Header{"Accept": {"*/*"}})
	if err != nil {
		return "", fmt.Errorf("hub api: download %s: %w", util.MaskURL(filePath), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err = checkStatus(resp); err != nil {
		return "", err
	}

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("hub api: create download dir: %w", err)
	}
	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("hub api: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	written, err := io.Copy(tmp, resp.Body)
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return "", fmt.Errorf("hub api: download %s: %w", util.MaskURL(filePath), err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("hub api: store download: %w", err)
	}
	log.WithFields(log.Fields{"url": util.MaskURL(filePath), "path": target}).Debugf("downloaded %d bytes", written)
	return target, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) ([]byte, error) {
	resp, err := c.requester.Request(ctx, method, rawURL, body, header)
	if err != nil {
		return nil, fmt.Errorf("hub api: %s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err = checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hub api: %s %s: read body: %w", method, rawURL, err)
	}
	return data, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	if resp.Request != nil {
		statusErr.Method = resp.Request.Method
		statusErr.URL = util.MaskURL(resp.Request.URL.String())
	}
	return statusErr
}

func parsePlatformModel(body []byte) (*PlatformModel, error) {
	result := gjson.ParseBytes(body)
	if !result.Get("id").Exists() {
		return nil, fmt.Errorf("hub api: platform model response carries no id")
	}
	return &PlatformModel{
		ID:              result.Get("id").Int(),
		Model:           result.Get("model").Int(),
		Platform:        result.Get("platform").Int(),
		ConversionState: result.Get("conversion_state").String(),
		File:            result.Get("file").String(),
	}, nil
}

func platformModelURL(id int64) string {
	return platformModelsPath + strconv.FormatInt(id, 10) + "/"
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": {"application/json"}}
}

func multipartBody(filePath string, fields map[string]string) (*bytes.Buffer, string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, "", fmt.Errorf("hub api: open result: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", fmt.Errorf("hub api: create form file: %w", err)
	}
	if _, err = io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("hub api: read result: %w", err)
	}
	for key, value := range fields {
		if err = w.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("hub api: write field %s: %w", key, err)
		}
	}
	if err = w.Close(); err != nil {
		return nil, "", fmt.Errorf("hub api: finish form: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

// remoteBaseName returns a safe local file name for a remote file path or URL.
func remoteBaseName(filePath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(filePath))
	if err != nil {
		return "", fmt.Errorf("hub api: invalid file path %q: %w", filePath, err)
	}
	name := filepath.Base(filepath.FromSlash(path.Base(u.Path)))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("hub api: file path %q has no file name", filePath)
	}
	return name, nil
}
