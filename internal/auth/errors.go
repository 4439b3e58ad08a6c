package auth

import (
	"errors"
	"fmt"
)

// ErrNoRefreshToken is returned by RefreshToken when the current session has
// no refresh token to present to the exchange endpoint.
var ErrNoRefreshToken = errors.New("no refresh token available")

// ErrCSRFMismatch is returned when the OAuth callback carries a state whose
// CSRF token does not match the one generated for this login attempt.
var ErrCSRFMismatch = errors.New("oauth callback state mismatch (possible CSRF)")

// ErrLoginTimeout is returned when the interactive login does not complete
// within the configured window.
var ErrLoginTimeout = errors.New("interactive login timed out: no callback received; please retry the login")

// ProviderError reports an OAuth error parameter returned by the identity
// provider during the interactive flow.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %q", e.Code)
}

// RefreshError reports a non-success response from the exchange endpoint's
// refresh route. The response body is embedded for diagnosability.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, e.Body)
}
