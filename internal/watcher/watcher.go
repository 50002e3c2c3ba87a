// Package watcher watches the connector config file and reports material changes. The entry
// point uses it to pick up an auth_code the operator pastes while authorization is pending.
package watcher

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	log "github.com/sirupsen/logrus"
)

const configReloadDebounce = 150 * time.Millisecond

// LoadFunc reads the config file at path.
type LoadFunc func(path string) (*config.Config, error)

// Watcher watches one configuration file.
type Watcher struct {
	configPath     string
	load           LoadFunc
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	debounce       time.Duration

	mu                sync.RWMutex
	config            *config.Config
	lastConfigHash    string
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLoader replaces config.LoadConfig, for example to overlay environment variables.
func WithLoader(load LoadFunc) Option {
	return func(w *Watcher) { w.load = load }
}

// WithDebounce overrides the delay between the last write event and the reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for configPath. reloadCallback runs after every successful reload
// whose file content differs from the previous one.
func NewWatcher(configPath string, reloadCallback func(*config.Config), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath:     configPath,
		load:           config.LoadConfig,
		reloadCallback: reloadCallback,
		watcher:        fsw,
		debounce:       configReloadDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the directory of the config file, which also catches editors that replace the
// file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	if hash, err := hashFile(w.configPath); err == nil {
		w.mu.Lock()
		w.lastConfigHash = hash
		w.mu.Unlock()
	}
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records cfg as the current configuration.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Config returns the configuration of the latest reload.
func (w *Watcher) Config() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if normalizePath(event.Name) != normalizePath(w.configPath) || event.Op&configOps == 0 {
		return
	}
	log.Debugf("config file change detected: %s %s", event.Op.String(), event.Name)
	w.scheduleConfigReload()
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
