package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/misc"
	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
)

// Factory builds authenticated Sessions from the connector configuration.
type Factory struct {
	cfg        *config.Config
	store      StateStore
	httpClient *http.Client
	maxRetries int
	now        func() time.Time
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient replaces the base client built from the transport settings.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = client }
}

// WithMaxRetries sets how often a request is replayed after a 401. Negative disables replays.
func WithMaxRetries(n int) FactoryOption {
	return func(f *Factory) { f.maxRetries = n }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory creates a Factory. store persists the authorization state of the code grant.
func NewFactory(cfg *config.Config, store StateStore, opts ...FactoryOption) *Factory {
	f := &Factory{
		cfg:        cfg,
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build validates the configuration, selects the grant, fetches the first token and returns a
// Session ready for requests. Errors are *AuthError or *AuthorizationPendingError; an incomplete
// client configuration fails before any network or storage access.
func (f *Factory) Build(ctx context.Context) (*Session, error) {
	if err := f.validateClient(); err != nil {
		return nil, err
	}
	endpoint, baseURL, client, err := f.prepare()
	if err != nil {
		return nil, err
	}
	grant, err := f.selectGrant(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	misc.LogCredentialSeparator()
	log.WithField("grant", grant.Type()).Infof("authenticating to hub %s", baseURL.Redacted())
	session := newSession(grant, endpoint, baseURL, client, f.maxRetries, f.now)
	if err = session.authenticate(ctx); err != nil {
		return nil, err
	}
	log.WithField("grant", grant.Type()).Info("hub session authenticated")
	return session, nil
}

// AuthorizationURL persists a fresh state and returns the authorization link for the configured
// email, regardless of whether an auth_code is present.
func (f *Factory) AuthorizationURL(ctx context.Context) (string, error) {
	if err := f.validateClient(); err != nil {
		return "", err
	}
	if strings.TrimSpace(f.cfg.Email) == "" {
		return "", configurationError("email is required to request an authorization mail", "set email in the config")
	}
	endpoint, _, _, err := f.prepare()
	if err != nil {
		return "", err
	}
	return f.codeGrant(endpoint, nil).AuthorizationURL(ctx)
}

func (f *Factory) validateClient() error {
	if f.cfg == nil {
		return configurationError("configuration is missing", "")
	}
	var missing []string
	if strings.TrimSpace(f.cfg.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(f.cfg.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(f.cfg.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return configurationError(
			fmt.Sprintf("missing %s", strings.Join(missing, ", ")),
			"register an oauth client in the hub backend and put its credentials into the config",
		)
	}
	if f.store == nil {
		return configurationError("no authorization state store configured", "")
	}
	return nil
}

func (f *Factory) prepare() (*tokenEndpoint, *url.URL, *http.Client, error) {
	baseURL, err := url.Parse(f.cfg.BaseURL())
	if err != nil || baseURL.Host == "" {
		return nil, nil, nil, configurationError(fmt.Sprintf("invalid hub address %q", f.cfg.Host), "check host, port and protocol")
	}
	client := f.httpClient
	if client == nil {
		if client, err = util.NewHTTPClient(&f.cfg.SDKConfig); err != nil {
			return nil, nil, nil, configurationError(err.Error(), "check proxy_url")
		}
	}
	endpoint := newTokenEndpoint(baseURL, f.cfg.ClientID, f.cfg.ClientSecret, client, f.cfg.RetryBudget(), f.cfg.Backoff())
	return endpoint, baseURL, client, nil
}

func (f *Factory) codeGrant(endpoint *tokenEndpoint, response *misc.AuthorizationResponse) *codeGrant {
	return &codeGrant{
		endpoint: endpoint,
		store:    f.store,
		email:    strings.TrimSpace(f.cfg.Email),
		response: response,
	}
}

// selectGrant picks the authorization-code grant when auth_code and email are both set, the
// password grant when username and password are set, and otherwise asks for authorization.
func (f *Factory) selectGrant(ctx context.Context, endpoint *tokenEndpoint) (Grant, error) {
	cfg := f.cfg
	switch {
	case cfg.HasCodeCredentials():
		response, err := misc.ParseAuthorizationResponse(cfg.ResolvedAuthCode())
		if err != nil {
			return nil, configurationError(err.Error(), "paste the auth_code from the authorization mail")
		}
		if response.Error != "" {
			authErr := configurationError(fmt.Sprintf("authorization was denied: %s", response.Error), "")
			authErr.Grant = GrantAuthorizationCode
			if link, errURL := f.codeGrant(endpoint, nil).AuthorizationURL(ctx); errURL == nil {
				authErr.withAuthorizationURL(link)
			}
			return nil, authErr
		}
		return f.codeGrant(endpoint, response), nil

	case cfg.HasPasswordCredentials():
		return &passwordGrant{endpoint: endpoint, username: cfg.Username, password: cfg.Password}, nil

	case strings.TrimSpace(cfg.Email) != "":
		link, err := f.codeGrant(endpoint, nil).AuthorizationURL(ctx)
		if err != nil {
			return nil, err
		}
		return nil, &AuthorizationPendingError{URL: link}
	}

	authErr := configurationError(
		"no credentials configured",
		"set username and password, or email and the auth_code from the authorization mail",
	)
	if link, err := f.codeGrant(endpoint, nil).AuthorizationURL(ctx); err == nil {
		authErr.AuthorizationURL = link
		authErr.Remediation = fmt.Sprintf("set username and password, or set email and visit %s to receive an auth_code", link)
	} else {
		log.WithError(err).Warn("could not generate an authorization URL")
	}
	return nil, authErr
}
