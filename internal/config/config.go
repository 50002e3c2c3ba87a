package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is looked up in the working directory when no -config flag is given.
	DefaultConfigFile = "config.yaml"
	// DefaultStateFile holds the anti-replay state of the latest authorization URL.
	DefaultStateFile = "state.json"
	// DefaultConnectPath is the websocket route of the hub conversion pipeline.
	DefaultConnectPath = "assets/pipeline/"
	// DefaultWorkDir receives downloads and converter output.
	DefaultWorkDir = "tmp"
	// DefaultPlatformSlug is announced to the hub when none is configured.
	DefaultPlatformSlug = "noop"

	StateStoreFile     = "file"
	StateStorePostgres = "postgres"
	StateStoreObject   = "object"

	ConverterNoop    = "noop"
	ConverterCommand = "command"
)

// Config is the connector configuration.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the hub host name, without scheme.
	Host string `yaml:"host" json:"host"`
	// Port is optional; zero omits it from the hub URL.
	Port int `yaml:"port" json:"port"`
	// Protocol is http or https. When empty SSL decides.
	Protocol string `yaml:"protocol" json:"protocol"`
	// SSL selects https when Protocol is empty.
	SSL bool `yaml:"ssl" json:"ssl"`

	// ClientID and ClientSecret identify the oauth client registered in the hub backend.
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`

	// Username and Password select the password grant.
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	// AuthCode and Email select the authorization-code grant.
	AuthCode string `yaml:"auth_code" json:"auth_code"`
	// OAuthSecret is the legacy name of AuthCode.
	OAuthSecret string `yaml:"oauth_secret,omitempty" json:"oauth_secret,omitempty"`
	Email       string `yaml:"email" json:"email"`

	// StateFile is the file backend location of the authorization state.
	StateFile  string           `yaml:"state_file" json:"state_file"`
	StateStore StateStoreConfig `yaml:"state_store" json:"state_store"`

	// PlatformSlug names the conversion platform this connector serves.
	PlatformSlug string `yaml:"platform_slug" json:"platform_slug"`
	// ConnectPath is the websocket route relative to the hub base URL.
	ConnectPath string `yaml:"connect_path" json:"connect_path"`
	// WorkDir receives job downloads and converter output.
	WorkDir   string          `yaml:"work_dir" json:"work_dir"`
	Converter ConverterConfig `yaml:"converter" json:"converter"`

	// OpenBrowser opens the authorization URL locally when authorization is pending.
	OpenBrowser bool `yaml:"open_browser" json:"open_browser"`

	Debug              bool `yaml:"debug" json:"debug"`
	LoggingToFile      bool `yaml:"logging_to_file" json:"logging_to_file"`
	LogsMaxTotalSizeMB int  `yaml:"logs_max_total_size_mb" json:"logs_max_total_size_mb"`
}

// StateStoreConfig selects the backend of the authorization state.
type StateStoreConfig struct {
	// Kind is one of file, postgres or object.
	Kind     string              `yaml:"kind" json:"kind"`
	Postgres PostgresStoreConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectStoreConfig   `yaml:"object" json:"object"`
}

// PostgresStoreConfig configures the PostgreSQL state backend.
type PostgresStoreConfig struct {
	DSN    string `yaml:"dsn" json:"dsn"`
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`
	// ID is the row key; connectors sharing a table need distinct ids.
	ID string `yaml:"id" json:"id"`
}

// ObjectStoreConfig configures the S3-compatible state backend.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	PathStyle bool   `yaml:"path_style" json:"path_style"`
}

// ConverterConfig selects the conversion tool.
type ConverterConfig struct {
	// Kind is noop or command.
	Kind string `yaml:"kind" json:"kind"`
	// Command and Args run the external tool. {input} and {output} are substituted in Args.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	// ResultGlob picks the uploaded file from the output directory.
	ResultGlob string `yaml:"result_glob" json:"result_glob"`
	// Unzip extracts zip archives before the tool runs.
	Unzip bool `yaml:"unzip" json:"unzip"`
}

// LoadConfig reads configFile and applies defaults. A missing file is an error.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads configFile and applies defaults. When optional is true a missing or
// empty file yields a default config so environment variables alone can drive the connector.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = nil
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset optional fields and normalizes whitespace.
func (c *Config) ApplyDefaults() {
	c.Host = strings.TrimSpace(c.Host)
	c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	c.Username = strings.TrimSpace(c.Username)
	c.Email = strings.TrimSpace(c.Email)
	c.AuthCode = strings.TrimSpace(c.AuthCode)
	c.OAuthSecret = strings.TrimSpace(c.OAuthSecret)
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)

	if c.StateFile = strings.TrimSpace(c.StateFile); c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
	if c.ConnectPath = strings.TrimSpace(c.ConnectPath); c.ConnectPath == "" {
		c.ConnectPath = DefaultConnectPath
	}
	if c.WorkDir = strings.TrimSpace(c.WorkDir); c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.PlatformSlug = strings.TrimSpace(c.PlatformSlug); c.PlatformSlug == "" {
		c.PlatformSlug = DefaultPlatformSlug
	}
	c.StateStore.Kind = strings.ToLower(strings.TrimSpace(c.StateStore.Kind))
	if c.StateStore.Kind == "" {
		c.StateStore.Kind = StateStoreFile
	}
	c.Converter.Kind = strings.ToLower(strings.TrimSpace(c.Converter.Kind))
	if c.Converter.Kind == "" {
		c.Converter.Kind = ConverterNoop
	}
	if c.LogsMaxTotalSizeMB < 0 {
		c.LogsMaxTotalSizeMB = 0
	}
}

// Scheme returns the effective hub protocol.
func (c *Config) Scheme() string {
	if c.Protocol != "" {
		return c.Protocol
	}
	if c.SSL {
		return "https"
	}
	return "http"
}

// BaseURL returns the hub root URL with a trailing slash.
func (c *Config) BaseURL() string {
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	u := url.URL{Scheme: c.Scheme(), Host: host, Path: "/"}
	return u.String()
}

// WebsocketURL returns the websocket endpoint of the conversion pipeline.
func (c *Config) WebsocketURL() string {
	base, err := url.Parse(c.BaseURL())
	if err != nil {
		return ""
	}
	if base.Scheme == "https" {
		base.Scheme = "wss"
	} else {
		base.Scheme = "ws"
	}
	ref := &url.URL{Path: strings.TrimLeft(c.ConnectPath, "/")}
	return base.ResolveReference(ref).String()
}

// ResolvedAuthCode returns AuthCode, falling back to the legacy OAuthSecret key.
func (c *Config) ResolvedAuthCode() string {
	if c.AuthCode != "" {
		return c.AuthCode
	}
	return c.OAuthSecret
}

// HasPasswordCredentials reports whether the password grant is fully configured.
func (c *Config) HasPasswordCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// HasCodeCredentials reports whether the authorization-code grant is fully configured.
func (c *Config) HasCodeCredentials() bool {
	return c.ResolvedAuthCode() != "" && c.Email != ""
}
