// Package hub implements the OAuth2 session used to talk to the asset hub. It selects between the
// password and the authorization-code ("mail") grant, persists the authorization state across
// restarts, and keeps the access token fresh while requests are in flight.
package hub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// OAuthError represents an error document returned by the hub token endpoint.
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// URI is a URI identifying a human-readable web page with information about the error.
	URI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	if e.Code == "" {
		return fmt.Sprintf("OAuth error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// AuthError is the error type surfaced by the session machinery. Errors of the same Type match
// each other with errors.Is, so callers compare against the sentinel values below.
type AuthError struct {
	// Type is the machine-readable error class.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error, if any.
	Code int `json:"code"`
	// Grant is the grant type in use when the error occurred.
	Grant GrantType `json:"grant,omitempty"`
	// Remediation tells the operator what to do next.
	Remediation string `json:"remediation,omitempty"`
	// AuthorizationURL is a freshly generated authorization link, set on configuration errors
	// of the authorization-code flow.
	AuthorizationURL string `json:"authorization_url,omitempty"`
	// Cause is the underlying error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	if e.Remediation != "" {
		msg = fmt.Sprintf("%s; %s", msg, e.Remediation)
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *AuthError) Unwrap() error { return e.Cause }

// Is reports whether target is an AuthError of the same type.
func (e *AuthError) Is(target error) bool {
	other, ok := target.(*AuthError)
	if !ok || other == nil {
		return false
	}
	return other.Type == e.Type
}

var (
	// ErrConfiguration covers missing client credentials, incomplete credential shapes and stale
	// authorization state. Retrying never helps.
	ErrConfiguration = &AuthError{
		Type:    "configuration_error",
		Message: "configuration could not be validated",
	}

	// ErrInvalidClient is returned when the hub rejects client_id/client_secret.
	ErrInvalidClient = &AuthError{
		Type:    "invalid_client",
		Message: "hub rejected the client credentials",
		Code:    http.StatusUnauthorized,
	}

	// ErrUnauthorizedClient is returned when the client may not use the requested grant type.
	ErrUnauthorizedClient = &AuthError{
		Type:    "unauthorized_client",
		Message: "client is not allowed to use this grant type",
		Code:    http.StatusBadRequest,
	}

	// ErrInvalidGrant is returned when a code, password or refresh token is rejected.
	ErrInvalidGrant = &AuthError{
		Type:    "invalid_grant",
		Message: "hub rejected the grant",
		Code:    http.StatusUnauthorized,
	}

	// ErrTransient marks network failures and timeouts.
	ErrTransient = &AuthError{
		Type:    "transient",
		Message: "hub could not be reached",
	}

	// ErrSessionFailed is returned by a session that hit an unrecoverable invalid grant.
	ErrSessionFailed = &AuthError{
		Type:    "session_failed",
		Message: "session can no longer authenticate",
	}
)

// NewAuthError creates an error of the same class as baseErr.
func NewAuthError(baseErr *AuthError, grant GrantType, cause error) *AuthError {
	err := &AuthError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Grant:   grant,
		Cause:   cause,
	}
	err.Remediation = remediationFor(err)
	return err
}

func configurationError(message, remediation string) *AuthError {
	return &AuthError{
		Type:        ErrConfiguration.Type,
		Message:     message,
		Remediation: remediation,
	}
}

// withAuthorizationURL attaches link to err and points the remediation at it.
func (e *AuthError) withAuthorizationURL(link string) *AuthError {
	if link == "" {
		return e
	}
	e.AuthorizationURL = link
	e.Remediation = fmt.Sprintf("visit %s to receive an auth_code by mail and add it to the config", link)
	return e
}

// AuthorizationPendingError is returned by Factory.Build when the operator has to visit URL to
// obtain an auth_code before the session can be built. The state embedded in URL is already
// persisted when this error is returned.
type AuthorizationPendingError struct {
	URL string
}

func (e *AuthorizationPendingError) Error() string {
	if e == nil || e.URL == "" {
		return "hub auth: authorization pending"
	}
	return fmt.Sprintf("hub auth: authorization pending, visit %s to receive an auth_code", e.URL)
}

// IsAuthorizationPending reports whether err asks the operator to visit an authorization URL.
func IsAuthorizationPending(err error) (string, bool) {
	var pending *AuthorizationPendingError
	if errors.As(err, &pending) {
		return pending.URL, true
	}
	return "", false
}

// classifyTokenError maps a token endpoint failure onto the error taxonomy.
func classifyTokenError(err error, grant GrantType) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		oauthErr := &OAuthError{
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			URI:         retrieveErr.ErrorURI,
		}
		if retrieveErr.Response != nil {
			oauthErr.StatusCode = retrieveErr.Response.StatusCode
		}
		if oauthErr.Code == "" {
			oauthErr.Code = gjson.GetBytes(retrieveErr.Body, "error").String()
		}
		switch oauthErr.Code {
		case "invalid_grant":
			return NewAuthError(ErrInvalidGrant, grant, oauthErr)
		case "invalid_client":
			return NewAuthError(ErrInvalidClient, grant, oauthErr)
		case "unauthorized_client", "unsupported_grant_type":
			return NewAuthError(ErrUnauthorizedClient, grant, oauthErr)
		}
		if oauthErr.StatusCode >= http.StatusInternalServerError || oauthErr.StatusCode == http.StatusTooManyRequests {
			return NewAuthError(ErrTransient, grant, oauthErr)
		}
		return fmt.Errorf("hub token endpoint: %w", oauthErr)
	}
	if isTransient(err) {
		return NewAuthError(ErrTransient, grant, err)
	}
	return err
}

// isTransient reports whether err is a network-level failure worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Type == ErrTransient.Type
	}
	// *url.Error wraps every client failure and itself implements net.Error; only its cause counts.
	var urlErr *url.Error
	for errors.As(err, &urlErr) {
		err = urlErr.Err
		if err == nil {
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isCertificateError(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidErr)
}

func remediationFor(err *AuthError) string {
	switch err.Type {
	case ErrInvalidGrant.Type:
		if err.Grant == GrantAuthorizationCode {
			return "the auth_code is single-use; request a fresh authorization URL and put the new auth_code into the config"
		}
		return "check username and password of the hub user in the config"
	case ErrInvalidClient.Type:
		return "check client_id and client_secret of the oauth client registered in the hub backend"
	case ErrUnauthorizedClient.Type:
		if err.Grant != "" {
			return fmt.Sprintf("enable the %q grant type for this oauth client in the hub backend", string(err.Grant))
		}
		return "enable the configured grant type for this oauth client in the hub backend"
	}
	return ""
}

// GetUserFriendlyMessage returns an operator-facing message for err.
func GetUserFriendlyMessage(err error) string {
	if link, ok := IsAuthorizationPending(err); ok {
		return fmt.Sprintf("Please visit the following URL to receive an auth_code by mail, then add it to the config:\n%s", link)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return "An unexpected error occurred. Please try again."
	}
	var b strings.Builder
	switch authErr.Type {
	case ErrConfiguration.Type:
		b.WriteString("The configuration could not be validated: ")
		b.WriteString(authErr.Message)
	case ErrInvalidGrant.Type:
		b.WriteString("The hub rejected the credentials.")
	case ErrInvalidClient.Type:
		b.WriteString("The hub does not know this oauth client.")
	case ErrUnauthorizedClient.Type:
		b.WriteString("The oauth client may not use this grant type.")
	case ErrTransient.Type:
		b.WriteString("The hub could not be reached. Please try again later.")
	case ErrSessionFailed.Type:
		b.WriteString("The hub session expired and could not be renewed.")
		var cause *AuthError
		if errors.As(authErr.Cause, &cause) && cause.Remediation != "" {
			b.WriteString(" ")
			b.WriteString(cause.Remediation)
		}
	default:
		b.WriteString("Authentication failed.")
	}
	if authErr.Remediation != "" {
		b.WriteString(" ")
		b.WriteString(authErr.Remediation)
	}
	return b.String()
}
