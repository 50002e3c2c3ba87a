package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// EnvPrefix is prepended to every overlay variable name.
const EnvPrefix = "HUB_"

// LookupEnv returns the first non-blank value among keys.
func LookupEnv(lookup LookupFunc, keys ...string) (string, bool) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range keys {
		if value, ok := lookup(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// ApplyEnv overlays HUB_* variables onto the config. Both HUB_CLIENT_ID and hub_client_id are
// accepted. Values from the environment win over the file.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(target *string, name string) {
		if value, ok := LookupEnv(lookup, EnvPrefix+name, strings.ToLower(EnvPrefix+name)); ok {
			*target = value
		}
	}
	boolean := func(target *bool, name string) error {
		value, ok := LookupEnv(lookup, EnvPrefix+name, strings.ToLower(EnvPrefix+name))
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = parsed
		return nil
	}

	str(&c.Host, "HOST")
	str(&c.Protocol, "PROTOCOL")
	str(&c.ClientID, "CLIENT_ID")
	str(&c.ClientSecret, "CLIENT_SECRET")
	str(&c.Username, "USERNAME")
	str(&c.Password, "PASSWORD")
	str(&c.AuthCode, "AUTH_CODE")
	str(&c.Email, "EMAIL")
	str(&c.ProxyURL, "PROXY_URL")
	str(&c.StateFile, "STATE_FILE")
	str(&c.PlatformSlug, "PLATFORM_SLUG")
	str(&c.WorkDir, "WORK_DIR")
	str(&c.StateStore.Kind, "STATE_STORE")
	str(&c.StateStore.Postgres.DSN, "PGSTORE_DSN")
	str(&c.StateStore.Postgres.Schema, "PGSTORE_SCHEMA")
	str(&c.StateStore.Object.Endpoint, "OBJECTSTORE_ENDPOINT")
	str(&c.StateStore.Object.Bucket, "OBJECTSTORE_BUCKET")
	str(&c.StateStore.Object.AccessKey, "OBJECTSTORE_ACCESS_KEY")
	str(&c.StateStore.Object.SecretKey, "OBJECTSTORE_SECRET_KEY")

	if value, ok := LookupEnv(lookup, EnvPrefix+"PORT", "hub_port"); ok {
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %sPORT %q", EnvPrefix, value)
		}
		c.Port = port
	}
	if value, ok := LookupEnv(lookup, EnvPrefix+"REQUEST_TIMEOUT", "hub_request_timeout"); ok {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %sREQUEST_TIMEOUT: %w", EnvPrefix, err)
		}
		c.RequestTimeout = timeout
	}
	if value, ok := LookupEnv(lookup, EnvPrefix+"TRANSIENT_RETRIES", "hub_transient_retries"); ok {
		retries, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %sTRANSIENT_RETRIES: %w", EnvPrefix, err)
		}
		c.TransientRetries = &retries
	}
	for name, target := range map[string]*bool{
		"SSL":                  &c.SSL,
		"INSECURE_SKIP_VERIFY": &c.InsecureSkipVerify,
		"DEBUG":                &c.Debug,
		"LOGGING_TO_FILE":      &c.LoggingToFile,
	} {
		if err := boolean(target, name); err != nil {
			return err
		}
	}

	c.ApplyDefaults()
	return nil
}
