package cmd

import (
	"os"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
)

// Options controls how the connector commands behave.
type Options struct {
	// ConfigPath is the config file the connector was started with. Waiting for an auth_code
	// watches this file.
	ConfigPath string

	// NoBrowser skips opening the authorization URL in a local browser.
	NoBrowser bool

	// Wait keeps the connector running while authorization is pending and resumes as soon as an
	// auth_code appears in the config file.
	Wait bool
}

// LoadConfig reads configPath, tolerating a missing file, and overlays the HUB_* environment.
func LoadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return nil, err
	}
	if err = cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}
