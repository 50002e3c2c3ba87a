package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/innoactive/asset-pipeline-connector/internal/misc"
)

// DefaultStateFile is used when the config does not name a state file.
const DefaultStateFile = "state.json"

// StateStore persists the anti-replay state of the latest authorization URL.
type StateStore interface {
	// SaveState overwrites the persisted state.
	SaveState(ctx context.Context, state string) error
	// LoadState returns ok=false without an error when nothing was persisted yet.
	LoadState(ctx context.Context) (state string, ok bool, err error)
}

// StateRecord is the serialized form shared by every StateStore backend.
type StateRecord struct {
	State string `json:"state"`
}

// FileStateStore keeps the state in a single JSON file on local disk.
type FileStateStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStateStore creates a store backed by path.
func NewFileStateStore(path string) *FileStateStore {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultStateFile
	}
	return &FileStateStore{path: filepath.Clean(path)}
}

// Path returns the backing file path.
func (s *FileStateStore) Path() string { return s.path }

// SaveState writes the record to a temporary file and renames it over the old one.
func (s *FileStateStore) SaveState(_ context.Context, state string) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("state filestore: refusing to persist empty state")
	}
	raw, err := json.Marshal(StateRecord{State: state})
	if err != nil {
		return fmt.Errorf("state filestore: marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	misc.LogSavingCredentials(s.path)
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state filestore: create dir failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("state filestore: create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state filestore: write failed: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state filestore: chmod failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("state filestore: close failed: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("state filestore: replace failed: %w", err)
	}
	return nil
}

// LoadState reads the persisted state.
func (s *FileStateStore) LoadState(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("state filestore: read failed: %w", err)
	}
	return DecodeStateRecord(data)
}

// DecodeStateRecord parses a serialized StateRecord. Empty input yields ok=false.
func DecodeStateRecord(data []byte) (string, bool, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", false, nil
	}
	var record StateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return "", false, fmt.Errorf("state record: unmarshal: %w", err)
	}
	if record.State == "" {
		return "", false, nil
	}
	return record.State, true, nil
}
