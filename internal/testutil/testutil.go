package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

// Fixture values of the canonical redemption scenario.
const (
	ClientID    = "c1"
	RedirectURI = "https://app/cb"
	ContextID   = "7"
	UserID      = "42"
	ScopeToken  = "mail.read"
)

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewCode creates a code for the canonical client and subject issued at now
// with a ten minute lifetime.
func NewCode(now time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(43),
		ClientID:    ClientID,
		RedirectURI: RedirectURI,
		Scope:       scope.MustParse(ScopeToken),
		ContextID:   ContextID,
		UserID:      UserID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

// NewGrant creates a refresh-bearing grant for the canonical subject issued
// to clientID at now, with a one hour access token.
func NewGrant(now time.Time, clientID string, tokens ...string) *storage.Grant {
	sc := scope.MustParse(ScopeToken)
	if len(tokens) > 0 {
		sc = scope.MustParse(tokens...)
	}
	return &storage.Grant{
		ID:           uuid.NewString(),
		ContextID:    ContextID,
		UserID:       UserID,
		ClientID:     clientID,
		AccessToken:  GenerateRandomString(43),
		RefreshToken: GenerateRandomString(43),
		Scope:        sc,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

// NewAccessOnlyGrant is NewGrant without a refresh token.
func NewAccessOnlyGrant(now time.Time, clientID string, tokens ...string) *storage.Grant {
	g := NewGrant(now, clientID, tokens...)
	g.RefreshToken = ""
	return g
}
