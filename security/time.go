package security

import "time"

// IsExpiredAt reports whether expiresAt has been reached at now.
// A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// RemainingLifetime returns how long until expiresAt, floored at zero.
func RemainingLifetime(now, expiresAt time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
