package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
host: hub.example.com
port: 8000
client_id: id
client_secret: secret
username: user
password: pass
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://hub.example.com:8000/", cfg.BaseURL())
	assert.Equal(t, "ws://hub.example.com:8000/assets/pipeline/", cfg.WebsocketURL())
	assert.Equal(t, DefaultStateFile, cfg.StateFile)
	assert.Equal(t, StateStoreFile, cfg.StateStore.Kind)
	assert.Equal(t, ConverterNoop, cfg.Converter.Kind)
	assert.Equal(t, DefaultRequestTimeout, cfg.Timeout())
	assert.Equal(t, DefaultTransientRetries, cfg.RetryBudget())
	assert.True(t, cfg.HasPasswordCredentials())
	assert.False(t, cfg.HasCodeCredentials())
}

func TestLoadConfig_TransportSettings(t *testing.T) {
	path := writeConfig(t, `
host: hub.example.com
ssl: true
request_timeout: 5s
transient_retries: 0
proxy_url: socks5://127.0.0.1:1080
insecure_skip_verify: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://hub.example.com/", cfg.BaseURL())
	assert.Equal(t, "wss://hub.example.com/assets/pipeline/", cfg.WebsocketURL())
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, 0, cfg.RetryBudget())
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL)
}

func TestConfig_ProtocolOverridesSSL(t *testing.T) {
	cfg := &Config{Host: "hub", Protocol: "HTTP", SSL: true}
	cfg.ApplyDefaults()
	assert.Equal(t, "http://hub/", cfg.BaseURL())
}

func TestConfig_LegacyAuthCodeAlias(t *testing.T) {
	path := writeConfig(t, "oauth_secret: legacy\nemail: ops@example.com\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "legacy", cfg.ResolvedAuthCode())
	assert.True(t, cfg.HasCodeCredentials())

	cfg.AuthCode = "current"
	assert.Equal(t, "current", cfg.ResolvedAuthCode())
}

func TestLoadConfigOptional(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := LoadConfig(missing)
	require.Error(t, err)

	cfg, err := LoadConfigOptional(missing, true)
	require.NoError(t, err)
	assert.Equal(t, DefaultConnectPath, cfg.ConnectPath)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "host: [unterminated\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HUB_HOST":              "env-hub",
		"HUB_PORT":              "9000",
		"hub_client_id":         "env-id",
		"HUB_SSL":               "true",
		"HUB_REQUEST_TIMEOUT":   "12s",
		"HUB_TRANSIENT_RETRIES": "4",
		"HUB_PASSWORD":          "   ",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := &Config{Host: "file-hub", Password: "file-pass"}
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "env-hub", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "env-id", cfg.ClientID)
	assert.Equal(t, "file-pass", cfg.Password, "blank env values are ignored")
	assert.Equal(t, "https://env-hub:9000/", cfg.BaseURL())
	assert.Equal(t, 12*time.Second, cfg.Timeout())
	assert.Equal(t, 4, cfg.RetryBudget())
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port", env: map[string]string{"HUB_PORT": "abc"}},
		{name: "port range", env: map[string]string{"HUB_PORT": "70000"}},
		{name: "timeout", env: map[string]string{"HUB_REQUEST_TIMEOUT": "soon"}},
		{name: "bool", env: map[string]string{"HUB_DEBUG": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			err := cfg.ApplyEnv(func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			})
			assert.Error(t, err)
		})
	}
}
