package misc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// GenerateRandomState returns 16 random bytes hex-encoded, used as the anti-replay state of an
// authorization URL.
func GenerateRandomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthorizationResponse is what the operator pastes into the config after following the
// authorization link from the hub mail.
type AuthorizationResponse struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseAuthorizationResponse accepts a bare code, "code&state", a query string or a full
// callback URL. It returns nil when the input is empty.
func ParseAuthorizationResponse(input string) (*AuthorizationResponse, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	if !strings.Contains(trimmed, "=") && !strings.ContainsAny(trimmed, "/?#") {
		code, state, _ := strings.Cut(trimmed, "&")
		code = strings.TrimSpace(code)
		if code == "" {
			return nil, fmt.Errorf("authorization response missing code")
		}
		return &AuthorizationResponse{Code: code, State: strings.TrimSpace(state)}, nil
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://localhost" + candidate
		case strings.ContainsAny(candidate, "/#"):
			candidate = "http://" + candidate
		default:
			candidate = "http://localhost/?" + candidate
		}
	}

	parsedURL, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization response: %w", err)
	}

	values := parsedURL.Query()
	if parsedURL.Fragment != "" {
		if fragQuery, errFrag := url.ParseQuery(parsedURL.Fragment); errFrag == nil {
			for key, vals := range fragQuery {
				if values.Get(key) == "" && len(vals) > 0 {
					values.Set(key, vals[0])
				}
			}
		}
	}

	resp := &AuthorizationResponse{
		Code:             strings.TrimSpace(values.Get("code")),
		State:            strings.TrimSpace(values.Get("state")),
		Error:            strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}
	if resp.Error == "" && resp.ErrorDescription != "" {
		resp.Error = resp.ErrorDescription
		resp.ErrorDescription = ""
	}
	if resp.Code == "" && resp.Error == "" {
		return nil, fmt.Errorf("authorization response missing code")
	}
	return resp, nil
}
