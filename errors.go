package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-grants/server"
)

// OAuth error codes as constants (RFC 6749 section 5.2)
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeInvalidToken   = "invalid_token"
	ErrorCodeServerError    = "server_error"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired (RFC 6750)
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// FromError translates an error returned by the grant manager into the
// OAuth error response a token endpoint sends. Binding mismatches become
// invalid_grant. Storage failures and unknown errors become server_error
// without exposing their cause.
func FromError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	var se *server.Error
	if !errors.As(err, &se) {
		return ErrServerError("internal error")
	}

	switch se.Kind {
	case server.KindInvalidRequest:
		return ErrInvalidRequest(se.Description)
	case server.KindInvalidGrant, server.KindRedirectMismatch, server.KindClientMismatch:
		return ErrInvalidGrant(se.Description)
	case server.KindInvalidScope:
		return ErrInvalidScope(se.Description)
	default:
		return ErrServerError("temporary storage failure")
	}
}
