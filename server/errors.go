package server

import (
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-grants/storage"
)

// Kind classifies a failed grant operation.
type Kind string

// Error kinds returned by Server operations.
const (
	// KindInvalidRequest: a required argument is missing or malformed
	KindInvalidRequest Kind = "invalid_request"

	// KindInvalidGrant: the code or token is unknown, expired, consumed or stale
	KindInvalidGrant Kind = "invalid_grant"

	// KindInvalidScope: a scope token is unregistered or exceeds the client's entitlement
	KindInvalidScope Kind = "invalid_scope"

	// KindRedirectMismatch: the redirect URI differs from the one bound at issuance
	KindRedirectMismatch Kind = "redirect_mismatch"

	// KindClientMismatch: the code was issued to another client
	KindClientMismatch Kind = "client_mismatch"

	// KindStorage: the grant store failed or timed out
	KindStorage Kind = "storage_error"
)

// Error is the error type returned by every Server operation.
// errors.Is matches two *Error values by Kind alone, so callers compare
// against the Err* sentinels below.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrInvalidGrant     = &Error{Kind: KindInvalidGrant}
	ErrInvalidScope     = &Error{Kind: KindInvalidScope}
	ErrRedirectMismatch = &Error{Kind: KindRedirectMismatch}
	ErrClientMismatch   = &Error{Kind: KindClientMismatch}
	ErrStorage          = &Error{Kind: KindStorage}

	// ErrStaleRefreshToken is the cause of the invalid_grant error returned
	// when a refresh token lost a rotation race or was already rotated.
	ErrStaleRefreshToken = storage.ErrStaleRefreshToken
)

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Err: cause}
}

func invalidRequest(format string, args ...any) *Error {
	return newError(KindInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func invalidGrant(description string) *Error {
	return newError(KindInvalidGrant, description, nil)
}

// storageError classifies a failed store call. Input the store rejected is
// the caller's fault and maps to KindInvalidRequest.
func storageError(operation string, cause error) *Error {
	if errors.Is(cause, storage.ErrInvalidInput) {
		return newError(KindInvalidRequest, operation+" rejected the input", cause)
	}
	return newError(KindStorage, operation+" failed", cause)
}
