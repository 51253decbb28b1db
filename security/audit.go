// Package security provides the security building blocks of the grant core:
// credential generation, encryption at rest, key derivation, audit logging
// and rate limiting of security-event logs.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User identifiers are logged as truncated SHA-256 hashes.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ContextID string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"context_id", event.ContextID,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs when an authorization code is issued
func (a *Auditor) LogCodeIssued(contextID, userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		ContextID: contextID,
		UserID:    userID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when a grant is created from an authorization code
func (a *Auditor) LogTokenIssued(contextID, userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		ContextID: contextID,
		UserID:    userID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a grant is rotated with a refresh token
func (a *Auditor) LogTokenRefreshed(contextID, userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		ContextID: contextID,
		UserID:    userID,
		ClientID:  clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a single grant is revoked via one of its tokens.
// Revocation is keyed by the token alone, so no subject is known.
func (a *Auditor) LogTokenRevoked(tokenType string) {
	a.LogEvent(Event{
		Type: EventTokenRevoked,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogGrantsRevoked logs a bulk revocation of a user's grants for one client
func (a *Auditor) LogGrantsRevoked(contextID, userID, clientID string, count int) {
	a.LogEvent(Event{
		Type:      EventAllTokensRevoked,
		ContextID: contextID,
		UserID:    userID,
		ClientID:  clientID,
		Details: map[string]any{
			"count": count,
		},
	})
}

// LogAuthFailure logs a rejected redemption
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRefreshTokenReplay logs use of a refresh token that is no longer live
func (a *Auditor) LogRefreshTokenReplay(contextID, userID, clientID string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		ContextID: contextID,
		UserID:    userID,
		ClientID:  clientID,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
