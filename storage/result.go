package storage

import "errors"

// Operation results reported in storage metrics.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// ResultOf classifies an operation outcome. Sentinel errors describe protocol
// outcomes (unknown code, stale token, collision) and count as rejected;
// anything else is a backend error.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrStaleRefreshToken),
		errors.Is(err, ErrClientMismatch),
		errors.Is(err, ErrRedirectMismatch),
		errors.Is(err, ErrInvalidInput):
		return ResultRejected
	default:
		return ResultError
	}
}
