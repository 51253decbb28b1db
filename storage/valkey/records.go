package valkey

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

// Timestamps are unix milliseconds encoded as JSON strings so they pass
// through Lua's cjson without losing precision.

// codeJSON is the stored form of an authorization code. The code value
// itself only exists as the key fingerprint.
type codeJSON struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	ContextID   string `json:"context_id"`
	UserID      string `json:"user_id"`
	SubjectKey  string `json:"subject_key"`
	IssuedAt    int64  `json:"issued_at,string"`
	ExpiresAt   int64  `json:"expires_at,string"`
}

// grantJSON is the stored form of a grant.
type grantJSON struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ContextID    string `json:"context_id"`
	UserID       string `json:"user_id"`
	SubjectKey   string `json:"subject_key"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`  // sealed
	RefreshToken string `json:"refresh_token"` // sealed, "" when absent
	AccessFP     string `json:"access_fp"`
	RefreshFP    string `json:"refresh_fp"`
	IssuedAt     int64  `json:"issued_at,string"`
	RefreshedAt  int64  `json:"refreshed_at,string"`
	ExpiresAt    int64  `json:"expires_at,string"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *Store) encodeCode(c *storage.AuthorizationCode) (string, error) {
	data, err := json.Marshal(codeJSON{
		ClientID:    c.ClientID,
		RedirectURI: c.RedirectURI,
		Scope:       c.Scope.String(),
		ContextID:   c.ContextID,
		UserID:      c.UserID,
		SubjectKey:  s.subjectKey(c.ContextID, c.UserID),
		IssuedAt:    toMillis(c.IssuedAt),
		ExpiresAt:   toMillis(c.ExpiresAt),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	return string(data), nil
}

func decodeCode(code, data string) (*storage.AuthorizationCode, error) {
	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	sc, err := scope.ParseString(j.Scope)
	if err != nil {
		return nil, fmt.Errorf("stored authorization code has invalid scope: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:        code,
		ClientID:    j.ClientID,
		RedirectURI: j.RedirectURI,
		Scope:       sc,
		ContextID:   j.ContextID,
		UserID:      j.UserID,
		IssuedAt:    fromMillis(j.IssuedAt),
		ExpiresAt:   fromMillis(j.ExpiresAt),
	}, nil
}

// encodeGrant seals the token values and computes their fingerprints.
// Binding fields may be empty for exchange templates; the script fills them.
func (s *Store) encodeGrant(g *storage.Grant) (string, error) {
	access, err := s.protector.Seal(g.AccessToken, g.ID)
	if err != nil {
		return "", fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.protector.Seal(g.RefreshToken, g.ID)
	if err != nil {
		return "", fmt.Errorf("failed to seal refresh token: %w", err)
	}

	j := grantJSON{
		ID:           g.ID,
		ClientID:     g.ClientID,
		ContextID:    g.ContextID,
		UserID:       g.UserID,
		Scope:        g.Scope.String(),
		AccessToken:  access,
		RefreshToken: refresh,
		AccessFP:     s.protector.Fingerprint(g.AccessToken),
		IssuedAt:     toMillis(g.IssuedAt),
		RefreshedAt:  toMillis(g.RefreshedAt),
		ExpiresAt:    toMillis(g.ExpiresAt),
	}
	if g.ContextID != "" || g.UserID != "" {
		j.SubjectKey = s.subjectKey(g.ContextID, g.UserID)
	}
	if g.RefreshToken != "" {
		j.RefreshFP = s.protector.Fingerprint(g.RefreshToken)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant: %w", err)
	}
	return string(data), nil
}

func (s *Store) decodeGrant(data string) (*storage.Grant, *grantJSON, error) {
	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	sc, err := scope.ParseString(j.Scope)
	if err != nil {
		return nil, nil, fmt.Errorf("stored grant has invalid scope: %w", err)
	}
	access, err := s.protector.Open(j.AccessToken, j.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open access token: %w", err)
	}
	refresh, err := s.protector.Open(j.RefreshToken, j.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return &storage.Grant{
		ID:           j.ID,
		ContextID:    j.ContextID,
		UserID:       j.UserID,
		ClientID:     j.ClientID,
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        sc,
		IssuedAt:     fromMillis(j.IssuedAt),
		RefreshedAt:  fromMillis(j.RefreshedAt),
		ExpiresAt:    fromMillis(j.ExpiresAt),
	}, &j, nil
}

// grantTTL is the native TTL for a grant: none for refresh-bearing grants.
func (s *Store) grantTTL(g *storage.Grant) int64 {
	if g.HasRefreshToken() {
		return 0
	}
	return ttlMillis(s.clock.Now(), g.ExpiresAt)
}
