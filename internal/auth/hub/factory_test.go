package hub

import (
	"context"
	"net/url"
	"testing"

	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCodeSession requests an authorization URL, then redeems testCode with the persisted state.
func buildCodeSession(t *testing.T, m *mockHub) *Session {
	t.Helper()
	cfg := m.config(t)
	cfg.Email = testEmail

	f, store := m.factory(cfg)
	link, err := f.AuthorizationURL(context.Background())
	require.NoError(t, err)
	state := stateFromURL(t, link)

	persisted, ok, err := store.LoadState(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state, persisted)

	cfg.AuthCode = testCode + "&" + state
	session, err := f.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, GrantAuthorizationCode, session.Grant())
	return session
}

func stateFromURL(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.Len(t, state, 32)
	return state
}

func TestFactory_PasswordGrant(t *testing.T) {
	m := newMockHub(t)
	session := buildPasswordSession(t, m)

	assert.Equal(t, GrantPassword, session.Grant())
	assert.Equal(t, "T1", session.Token().AccessToken)
	form := m.lastForm()
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, testClientID, form.Get("client_id"))
	assert.Equal(t, testClientSecret, form.Get("client_secret"))
}

func TestFactory_CodeGrantExchange(t *testing.T) {
	m := newMockHub(t)
	session := buildCodeSession(t, m)

	assert.Equal(t, StateAuthenticated, session.State())
	form := m.lastForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, testCode, form.Get("code"))
	assert.Equal(t, testEmail, form.Get("email"))
	assert.Empty(t, form.Get("redirect_uri"))
}

func TestFactory_CodeGrantAcceptsCallbackURL(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	f, _ := m.factory(cfg)

	link, err := f.AuthorizationURL(context.Background())
	require.NoError(t, err)
	cfg.AuthCode = "https://hub.example.com/callback?code=" + testCode + "&state=" + stateFromURL(t, link)

	_, err = f.Build(context.Background())
	require.NoError(t, err)
}

func TestFactory_CodeGrantLegacyOAuthSecret(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	f, _ := m.factory(cfg)

	link, err := f.AuthorizationURL(context.Background())
	require.NoError(t, err)
	cfg.OAuthSecret = testCode + "&" + stateFromURL(t, link)

	session, err := f.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GrantAuthorizationCode, session.Grant())
}

func TestFactory_CodeGrantStateMismatch(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	f, store := m.factory(cfg)

	_, err := f.AuthorizationURL(context.Background())
	require.NoError(t, err)
	before, _, err := store.LoadState(context.Background())
	require.NoError(t, err)

	cfg.AuthCode = testCode + "&foreign"
	_, err = f.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	authErr, ok := err.(*AuthError)
	require.True(t, ok)
	assert.Contains(t, authErr.Message, "stale or foreign authorization response")
	require.NotEmpty(t, authErr.AuthorizationURL)

	after, _, err := store.LoadState(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, stateFromURL(t, authErr.AuthorizationURL))
	assert.Zero(t, m.tokenCalls.Load())
}

func TestFactory_CodeGrantWithoutPersistedState(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	cfg.AuthCode = testCode
	f, _ := m.factory(cfg)

	_, err := f.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	authErr, ok := err.(*AuthError)
	require.True(t, ok)
	assert.NotEmpty(t, authErr.AuthorizationURL)
	assert.Zero(t, m.tokenCalls.Load())
}

func TestFactory_CodeGrantRejectedCode(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	f, _ := m.factory(cfg)

	link, err := f.AuthorizationURL(context.Background())
	require.NoError(t, err)
	cfg.AuthCode = "spent&" + stateFromURL(t, link)

	_, err = f.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Contains(t, GetUserFriendlyMessage(err), "single-use")
}

func TestFactory_CodeGrantDeniedResponse(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	cfg.AuthCode = "?error=access_denied"
	f, _ := m.factory(cfg)

	_, err := f.Build(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
	authErr, ok := err.(*AuthError)
	require.True(t, ok)
	assert.Contains(t, authErr.Message, "access_denied")
	assert.NotEmpty(t, authErr.AuthorizationURL)
}

func TestFactory_EmailOnlyIsPending(t *testing.T) {
	m := newMockHub(t)
	cfg := m.config(t)
	cfg.Email = testEmail
	f, store := m.factory(cfg)

	_, err := f.Build(context.Background())
	link, pending := IsAuthorizationPending(err)
	require.True(t, pending)

	u, errParse := url.Parse(link)
	require.NoError(t, errParse)
	assert.Equal(t, "/oauth/authorize/", u.Path)
	query := u.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, testClientID, query.Get("client_id"))
	assert.Equal(t, testEmail, query.Get("email"))

	persisted, ok, errLoad := store.LoadState(context.Background())
	require.NoError(t, errLoad)
	require.True(t, ok)
	assert.Equal(t, persisted, query.Get("state"))
	assert.Zero(t, m.tokenCalls.Load())
	assert.Contains(t, GetUserFriendlyMessage(err), link)
}

func TestFactory_NoCredentialsEmbedsAuthorizationURL(t *testing.T) {
	m := newMockHub(t)
	f, _ := m.factory(m.config(t))

	_, err := f.Build(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
	authErr, ok := err.(*AuthError)
	require.True(t, ok)
	assert.NotEmpty(t, authErr.AuthorizationURL)
	assert.Contains(t, authErr.Remediation, authErr.AuthorizationURL)
	assert.Zero(t, m.tokenCalls.Load())
}

func TestFactory_MissingClientCredentialsFailsBeforeIO(t *testing.T) {
	m := newMockHub(t)
	for name, mutate := range map[string]func(*config.Config){
		"client_id":     func(c *config.Config) { c.ClientID = "" },
		"client_secret": func(c *config.Config) { c.ClientSecret = "" },
		"host":          func(c *config.Config) { c.Host = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := m.passwordConfig(t)
			cfg.Email = testEmail
			mutate(cfg)
			f := NewFactory(cfg, forbiddenStore{t: t}, WithHTTPClient(m.server.Client()))

			_, err := f.Build(context.Background())
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), name)

			_, err = f.AuthorizationURL(context.Background())
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
	assert.Zero(t, m.tokenCalls.Load())
	assert.Zero(t, m.apiCalls.Load())
}

func TestFactory_InvalidClient(t *testing.T) {
	m := newMockHub(t)
	cfg := m.passwordConfig(t)
	cfg.ClientSecret = "wrong"
	f, _ := m.factory(cfg)

	_, err := f.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidClient)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "invalid_client", oauthErr.Code)
	assert.Contains(t, GetUserFriendlyMessage(err), "client_secret")
}

func TestFactory_WrongPassword(t *testing.T) {
	m := newMockHub(t)
	cfg := m.passwordConfig(t)
	cfg.Password = "wrong"
	f, _ := m.factory(cfg)

	_, err := f.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Contains(t, GetUserFriendlyMessage(err), "username and password")
}

func TestFactory_TransientTokenFailureRetried(t *testing.T) {
	m := newMockHub(t)
	m.failToken = 1
	cfg := m.passwordConfig(t)
	retries := 1
	cfg.TransientRetries = &retries
	f, _ := m.factory(cfg)

	session, err := f.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", session.Token().AccessToken)
	assert.EqualValues(t, 2, m.tokenCalls.Load())
}

func TestFactory_BuildTwice(t *testing.T) {
	m := newMockHub(t)
	f, _ := m.factory(m.passwordConfig(t))

	first, err := f.Build(context.Background())
	require.NoError(t, err)
	second, err := f.Build(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, "T1", first.Token().AccessToken)
	assert.Equal(t, "T2", second.Token().AccessToken)
}

func TestFactory_AuthorizationURLRequiresEmail(t *testing.T) {
	m := newMockHub(t)
	f, _ := m.factory(m.passwordConfig(t))

	_, err := f.AuthorizationURL(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPasswordGrant_AuthorizationURLNotApplicable(t *testing.T) {
	g := &passwordGrant{}
	_, err := g.AuthorizationURL(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, g.Refetchable())
	assert.False(t, (&codeGrant{}).Refetchable())
}
