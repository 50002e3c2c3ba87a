package util

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewTransport builds the outbound transport for hub traffic from cfg: proxy routing, TLS
// verification and dial timeouts live in this one object, nothing is switched process-wide.
func NewTransport(cfg *config.SDKConfig) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 10 * time.Second
	if cfg == nil {
		return transport, nil
	}
	if cfg.InsecureSkipVerify {
		log.Warn("TLS certificate verification is disabled for hub requests")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	if err := SetProxy(cfg, transport); err != nil {
		return nil, err
	}
	return transport, nil
}

// NewHTTPClient returns a client using NewTransport and the configured request timeout.
func NewHTTPClient(cfg *config.SDKConfig) (*http.Client, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout()}, nil
}

// SetProxy routes transport through cfg.ProxyURL. SOCKS5, HTTP and HTTPS proxies are supported;
// an empty ProxyURL leaves the environment proxy settings of the transport in place.
func SetProxy(cfg *config.SDKConfig, transport *http.Transport) error {
	raw := strings.TrimSpace(cfg.ProxyURL)
	if raw == "" || transport == nil {
		return nil
	}
	proxyURL, errParse := url.Parse(raw)
	if errParse != nil {
		return fmt.Errorf("parse proxy url: %w", errParse)
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var proxyAuth *proxy.Auth
		if proxyURL.User != nil {
			username := proxyURL.User.Username()
			password, _ := proxyURL.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			return fmt.Errorf("create SOCKS5 dialer failed: %w", errSOCKS5)
		}
		transport.Proxy = nil
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		return fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return nil
}
