// Package main provides the entry point of the asset pipeline connector. The connector
// authenticates to the hub, listens for conversion requests of its platform and runs the
// configured converter for each of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/buildinfo"
	"github.com/innoactive/asset-pipeline-connector/internal/cmd"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/logging"
	"github.com/innoactive/asset-pipeline-connector/internal/util"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	os.Exit(run())
}

func run() int {
	fmt.Printf("Asset Pipeline Connector %s\n", buildinfo.Summary())

	var configPath string
	var authURL bool
	var authCode string
	var initConfig bool
	var noBrowser bool
	var wait bool

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&authURL, "auth-url", false, "Print the authorization URL for the configured email and exit")
	flag.StringVar(&authCode, "auth-code", "", "Save the auth_code received by mail into the config file and exit")
	flag.BoolVar(&initConfig, "init", false, "Create the config file from config.example.yaml and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the authorization URL in a browser")
	flag.BoolVar(&wait, "wait", false, "Keep running while authorization is pending and pick up the auth_code from the config file")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return 1
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}
	if configPath == "" {
		if value, ok := config.LookupEnv(os.LookupEnv, "HUB_CONFIG", "hub_config"); ok {
			configPath = value
		} else {
			configPath = filepath.Join(wd, config.DefaultConfigFile)
		}
	}
	if configPath, err = util.ResolvePath(configPath); err != nil {
		log.Errorf("failed to resolve config path: %v", err)
		return 1
	}

	switch {
	case initConfig:
		if err = cmd.DoInitConfig(configPath, filepath.Join(wd, "config.example.yaml")); err != nil {
			log.Errorf("failed to create config: %v", err)
			return 1
		}
		return 0
	case authCode != "":
		if err = cmd.DoStoreAuthCode(configPath, authCode); err != nil {
			log.Errorf("failed to save auth code: %v", err)
			return 1
		}
		return 0
	}

	if migrated, errMigrate := config.MigrateLegacyKeys(configPath); errMigrate != nil {
		log.WithError(errMigrate).Warn("failed to migrate legacy config keys")
	} else if migrated {
		log.Infof("migrated legacy keys in %s", configPath)
	}
	cfg, err := cmd.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return 1
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return 1
	}
	util.SetLogLevel(cfg)
	log.Infof("Asset Pipeline Connector %s", buildinfo.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := &cmd.Options{ConfigPath: configPath, NoBrowser: noBrowser, Wait: wait}
	if authURL {
		err = cmd.DoAuthorizationURL(ctx, cfg, options)
	} else {
		err = cmd.DoRun(ctx, cfg, options)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if err != nil {
		if _, pending := hub.IsAuthorizationPending(err); pending {
			return 2
		}
		var authErr *hub.AuthError
		if errors.As(err, &authErr) {
			log.Error(hub.GetUserFriendlyMessage(err))
			return 1
		}
		log.Errorf("connector stopped: %v", err)
		return 1
	}
	log.Info("connector stopped")
	return 0
}
