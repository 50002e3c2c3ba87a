package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectStoreStateKey = "state.json"

// ObjectStoreConfig captures configuration for the object storage-backed state store.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// ObjectStateStore persists the authorization state as one JSON object in an S3-compatible bucket.
type ObjectStateStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	mu     sync.Mutex
}

// NewObjectStateStore initializes an object storage backed state store. No request is sent until
// Bootstrap or the first Save/Load.
func NewObjectStateStore(cfg ObjectStoreConfig) (*ObjectStateStore, error) {
	cfg, err := normalizeObjectConfig(cfg)
	if err != nil {
		return nil, err
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStateStore{client: client, cfg: cfg}, nil
}

func normalizeObjectConfig(cfg ObjectStoreConfig) (ObjectStoreConfig, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return cfg, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return cfg, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return cfg, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return cfg, fmt.Errorf("object store: secret key is required")
	}
	return cfg, nil
}

// Bootstrap ensures the target bucket exists.
func (s *ObjectStateStore) Bootstrap(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("object store: not initialized")
	}
	return s.ensureBucket(ctx)
}

// SaveState overwrites the state object.
func (s *ObjectStateStore) SaveState(ctx context.Context, state string) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("object store: refusing to persist empty state")
	}
	data, err := json.Marshal(hub.StateRecord{State: state})
	if err != nil {
		return fmt.Errorf("object store: marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.prefixedKey(objectStoreStateKey)
	misc.LogSavingCredentials(fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key))
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

// LoadState fetches the state object. A missing object yields ok=false.
func (s *ObjectStateStore) LoadState(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.prefixedKey(objectStoreStateKey)
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("object store: fetch state: %w", err)
	}
	defer func() { _ = object.Close() }()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("object store: read state: %w", err)
	}
	state, ok, err := hub.DecodeStateRecord(data)
	if err != nil {
		return "", false, fmt.Errorf("object store: %w", err)
	}
	return state, ok, nil
}

func (s *ObjectStateStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectStateStore) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(s.cfg.Prefix+"/"+key, "/")
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
