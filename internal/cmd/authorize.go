package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/browser"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	"github.com/innoactive/asset-pipeline-connector/internal/store"
	"github.com/innoactive/asset-pipeline-connector/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// DoAuthorizationURL prints a fresh authorization URL for the configured email and opens it
// unless options.NoBrowser is set.
func DoAuthorizationURL(ctx context.Context, cfg *config.Config, options *Options) error {
	if options == nil {
		options = &Options{}
	}
	stateStore, closer, err := store.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	link, err := hub.NewFactory(cfg, stateStore).AuthorizationURL(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Visit the following URL to receive an auth_code by mail:\n%s\n", link)
	if !options.NoBrowser {
		openAuthorizationURL(link)
	}
	return nil
}

// DoStoreAuthCode writes code into configPath as auth_code. A pasted callback URL is accepted
// as well; the grant extracts the code and state from it.
func DoStoreAuthCode(configPath, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("auth code is empty")
	}
	if _, err := misc.ParseAuthorizationResponse(code); err != nil {
		return err
	}
	if err := config.SetTopLevelScalar(configPath, "auth_code", code); err != nil {
		return fmt.Errorf("store auth_code: %w", err)
	}
	fmt.Printf("auth_code %s saved to %s\n", misc.MaskSecret(code), configPath)
	return nil
}

// DoInitConfig copies examplePath to configPath when configPath does not exist yet.
func DoInitConfig(configPath, examplePath string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("%s already exists\n", configPath)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := misc.CopyConfigTemplate(examplePath, configPath); err != nil {
		return fmt.Errorf("create config from %s: %w", filepath.Base(examplePath), err)
	}
	fmt.Printf("Config created at %s, fill in host and the oauth client credentials\n", configPath)
	return nil
}

// authenticate builds a hub session. While authorization is pending it prints the URL and, with
// options.Wait, rebuilds the session once an auth_code shows up in the config file. The returned
// closer releases the state store.
func authenticate(ctx context.Context, cfg *config.Config, options *Options) (*hub.Session, *config.Config, io.Closer, error) {
	if options == nil {
		options = &Options{}
	}
	opened := false
	for {
		stateStore, closer, err := store.New(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		session, err := hub.NewFactory(cfg, stateStore).Build(ctx)
		if err == nil {
			return session, cfg, closer, nil
		}
		_ = closer.Close()

		link, pending := hub.IsAuthorizationPending(err)
		if !pending {
			return nil, nil, nil, err
		}
		fmt.Println(hub.GetUserFriendlyMessage(err))
		if !opened && !options.NoBrowser && cfg.OpenBrowser {
			openAuthorizationURL(link)
			opened = true
		}
		if !options.Wait || options.ConfigPath == "" {
			return nil, nil, nil, err
		}
		log.Infof("waiting for auth_code in %s", options.ConfigPath)
		if cfg, err = waitForAuthCode(ctx, options.ConfigPath, LoadConfig); err != nil {
			return nil, nil, nil, err
		}
	}
}

// waitForAuthCode blocks until the config file at path carries an auth_code and email.
func waitForAuthCode(ctx context.Context, path string, load watcher.LoadFunc) (*config.Config, error) {
	updates := make(chan *config.Config, 1)
	w, err := watcher.NewWatcher(path, func(cfg *config.Config) {
		if !cfg.HasCodeCredentials() {
			log.Debug("config changed but auth_code is still missing")
			return
		}
		select {
		case updates <- cfg:
		default:
		}
	}, watcher.WithLoader(load))
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err = w.Start(watchCtx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	defer func() { _ = w.Stop() }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case cfg := <-updates:
		log.Info("auth_code found in config, authenticating")
		return cfg, nil
	}
}

func openAuthorizationURL(link string) {
	if link == "" {
		return
	}
	if !browser.IsAvailable() {
		log.Debug("no browser available, open the authorization URL manually")
		return
	}
	if err := browser.OpenURL(link); err != nil {
		log.WithError(err).Warn("could not open the authorization URL in a browser")
	}
}
