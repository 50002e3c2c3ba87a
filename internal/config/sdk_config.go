// Package config loads the connector configuration from a YAML file, an optional .env file and
// HUB_* environment variables. It exposes the hub address, OAuth client and grant credentials,
// outbound transport settings and the converter and state store sections.
package config

import "time"

const (
	// DefaultRequestTimeout bounds every outbound hub request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultTransientRetries is the extra attempts granted to network failures.
	DefaultTransientRetries = 2
	// DefaultTransientBackoff is multiplied by the attempt number between transient retries.
	DefaultTransientBackoff = time.Second
)

// SDKConfig groups the outbound transport settings shared by every hub client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server (http, https or socks5).
	ProxyURL string `yaml:"proxy_url" json:"proxy_url"`

	// InsecureSkipVerify disables TLS certificate verification for hub requests only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// RequestTimeout bounds a single HTTP round trip. Zero selects DefaultRequestTimeout.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// TransientRetries is the number of extra attempts for network failures and timeouts.
	// Nil selects DefaultTransientRetries; zero disables transient retries.
	TransientRetries *int `yaml:"transient_retries,omitempty" json:"transient_retries,omitempty"`

	// TransientBackoff is the linear backoff step between transient retries.
	TransientBackoff time.Duration `yaml:"transient_backoff,omitempty" json:"transient_backoff,omitempty"`
}

// Timeout returns the effective request timeout.
func (c *SDKConfig) Timeout() time.Duration {
	if c == nil || c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}

// RetryBudget returns the effective transient retry count.
func (c *SDKConfig) RetryBudget() int {
	if c == nil || c.TransientRetries == nil {
		return DefaultTransientRetries
	}
	if *c.TransientRetries < 0 {
		return 0
	}
	return *c.TransientRetries
}

// Backoff returns the effective transient backoff step.
func (c *SDKConfig) Backoff() time.Duration {
	if c == nil || c.TransientBackoff <= 0 {
		return DefaultTransientBackoff
	}
	return c.TransientBackoff
}
