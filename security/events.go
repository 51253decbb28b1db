package security

// Event type constants for security audit logging.
const (
	// Grant lifecycle events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventTokenIssued is logged when a code is redeemed for a new grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a grant is rotated via its refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when one grant is revoked via its access or refresh token
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all of a user's grants for a client are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Security violation events

	// EventAuthFailure is logged when a redemption is rejected
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when a consumed or unknown code is presented
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is replayed
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventUnknownRefreshToken is logged when a refresh token matches no grant
	EventUnknownRefreshToken = "unknown_refresh_token" //nolint:gosec // G101: event type name, not a credential

	// EventInvalidRedirect is logged when the redirect URI does not match the code's
	EventInvalidRedirect = "invalid_redirect"

	// EventClientMismatch is logged when a client redeems a credential issued to another client
	EventClientMismatch = "client_mismatch"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its entitlement
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventSecurityEventsSuppressed is logged once when security-event logging is rate limited
	EventSecurityEventsSuppressed = "security_events_suppressed"
)
