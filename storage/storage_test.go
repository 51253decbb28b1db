package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/scope"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func validCode() *AuthorizationCode {
	return &AuthorizationCode{
		Code:        "abc123",
		ClientID:    "c1",
		RedirectURI: "https://app/cb",
		Scope:       scope.MustParse("mail.read"),
		ContextID:   "7",
		UserID:      "42",
		IssuedAt:    testNow,
		ExpiresAt:   testNow.Add(10 * time.Minute),
	}
}

func validGrant() *Grant {
	return &Grant{
		ID:           "g1",
		ContextID:    "7",
		UserID:       "42",
		ClientID:     "c1",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		Scope:        scope.MustParse("mail.read"),
		IssuedAt:     testNow,
		ExpiresAt:    testNow.Add(time.Hour),
	}
}

func TestGrant_IsLive(t *testing.T) {
	tests := []struct {
		name    string
		refresh string
		at      time.Time
		want    bool
	}{
		{"access valid", "", testNow.Add(59 * time.Minute), true},
		{"access expired without refresh", "", testNow.Add(time.Hour), false},
		{"access expired with refresh", "rt", testNow.Add(24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGrant()
			g.RefreshToken = tt.refresh
			if got := g.IsLive(tt.at); got != tt.want {
				t.Errorf("IsLive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorizationCode_IsExpired(t *testing.T) {
	c := validCode()
	if c.IsExpired(testNow.Add(9 * time.Minute)) {
		t.Error("code should be valid after 9 minutes")
	}
	if !c.IsExpired(testNow.Add(10 * time.Minute)) {
		t.Error("code should be expired at its expiry instant")
	}
}

func TestGrant_Clone(t *testing.T) {
	g := validGrant()
	cp := g.Clone()
	cp.AccessToken = "changed"
	if g.AccessToken != "at-1" {
		t.Error("Clone() must not alias the original")
	}
	if (*Grant)(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestValidateCode(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AuthorizationCode)
	}{
		{"empty code", func(c *AuthorizationCode) { c.Code = "" }},
		{"long code", func(c *AuthorizationCode) { c.Code = strings.Repeat("x", MaxTokenLength+1) }},
		{"empty client", func(c *AuthorizationCode) { c.ClientID = "" }},
		{"empty context", func(c *AuthorizationCode) { c.ContextID = "" }},
		{"long user", func(c *AuthorizationCode) { c.UserID = strings.Repeat("u", MaxIDLength+1) }},
		{"empty redirect", func(c *AuthorizationCode) { c.RedirectURI = "" }},
		{"empty scope", func(c *AuthorizationCode) { c.Scope = scope.Scope{} }},
		{"no expiry", func(c *AuthorizationCode) { c.ExpiresAt = time.Time{} }},
	}

	if err := ValidateCode(validCode()); err != nil {
		t.Fatalf("ValidateCode(valid) error = %v", err)
	}
	if err := ValidateCode(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ValidateCode(nil) error = %v, want ErrInvalidInput", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCode()
			tt.mutate(c)
			if err := ValidateCode(c); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ValidateCode() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestValidateGrant(t *testing.T) {
	if err := ValidateGrant(validGrant()); err != nil {
		t.Fatalf("ValidateGrant(valid) error = %v", err)
	}

	g := validGrant()
	g.RefreshToken = g.AccessToken
	if err := ValidateGrant(g); !errors.Is(err, ErrDuplicate) {
		t.Errorf("equal token pair error = %v, want ErrDuplicate", err)
	}

	g = validGrant()
	g.RefreshToken = ""
	if err := ValidateGrant(g); err != nil {
		t.Errorf("access-only grant error = %v", err)
	}

	g = validGrant()
	g.ID = ""
	if err := ValidateGrant(g); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing id error = %v, want ErrInvalidInput", err)
	}
}

func TestGrantFromCode(t *testing.T) {
	template := &Grant{ID: "g1", AccessToken: "at", RefreshToken: "rt", IssuedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}
	g := GrantFromCode(template, validCode())

	if g.ClientID != "c1" || g.ContextID != "7" || g.UserID != "42" {
		t.Errorf("binding not copied: %+v", g)
	}
	if !g.Scope.Equal(scope.MustParse("mail.read")) {
		t.Errorf("Scope = %v, want mail.read", g.Scope)
	}
	if template.ClientID != "" {
		t.Error("GrantFromCode() must not modify the template")
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultSuccess},
		{ErrNotFound, ResultRejected},
		{ErrStaleRefreshToken, ResultRejected},
		{errors.Join(errors.New("wrapped"), ErrDuplicate), ResultRejected},
		{errors.New("connection reset"), ResultError},
	}
	for _, tt := range tests {
		if got := ResultOf(tt.err); got != tt.want {
			t.Errorf("ResultOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
