// Package scope implements OAuth 2.0 scope values and the registry of scope
// providers that a grant's scope is validated against.
package scope

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MaxTokenLength bounds a single scope token.
const MaxTokenLength = 256

var (
	// ErrInvalidScopeToken indicates a token violating RFC 6749 Section 3.3 syntax.
	ErrInvalidScopeToken = errors.New("invalid scope token")

	// ErrUnknownScope indicates a token with no registered provider.
	ErrUnknownScope = errors.New("unknown scope")
)

// Scope is an immutable set of scope tokens.
// The zero value is the empty scope.
type Scope struct {
	tokens []string // sorted, unique
}

// Parse builds a Scope from individual tokens. Duplicates collapse.
func Parse(tokens ...string) (Scope, error) {
	set := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return Scope{}, err
		}
		set = append(set, t)
	}
	slices.Sort(set)
	return Scope{tokens: slices.Compact(set)}, nil
}

// ParseString builds a Scope from the space-delimited form used on the wire.
func ParseString(s string) (Scope, error) {
	return Parse(strings.Fields(s)...)
}

// MustParse is like Parse but panics on malformed tokens.
// Intended for static scope literals.
func MustParse(tokens ...string) Scope {
	s, err := Parse(tokens...)
	if err != nil {
		panic(err)
	}
	return s
}

// validateToken checks scope-token = 1*( %x21 / %x23-5B / %x5D-7E ).
func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidScopeToken)
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("%w: token exceeds %d bytes", ErrInvalidScopeToken, MaxTokenLength)
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c < 0x21 || c > 0x7E || c == '"' || c == '\\' {
			return fmt.Errorf("%w: invalid character at position %d", ErrInvalidScopeToken, i)
		}
	}
	return nil
}

// Contains reports whether token is part of the scope.
func (s Scope) Contains(token string) bool {
	_, found := slices.BinarySearch(s.tokens, token)
	return found
}

// Union returns a new scope holding the tokens of both s and other.
func (s Scope) Union(other Scope) Scope {
	merged := make([]string, 0, len(s.tokens)+len(other.tokens))
	merged = append(merged, s.tokens...)
	merged = append(merged, other.tokens...)
	slices.Sort(merged)
	return Scope{tokens: slices.Compact(merged)}
}

// IsSubsetOf reports whether every token of s is also in other.
// The empty scope is a subset of every scope.
func (s Scope) IsSubsetOf(other Scope) bool {
	for _, t := range s.tokens {
		if !other.Contains(t) {
			return false
		}
	}
	return true
}

// Equal reports set equality.
func (s Scope) Equal(other Scope) bool {
	return slices.Equal(s.tokens, other.tokens)
}

// Tokens returns the tokens in ascending order. The slice is a copy.
func (s Scope) Tokens() []string {
	return slices.Clone(s.tokens)
}

// Len returns the number of tokens.
func (s Scope) Len() int {
	return len(s.tokens)
}

// IsEmpty reports whether the scope holds no tokens.
func (s Scope) IsEmpty() bool {
	return len(s.tokens) == 0
}

// String returns the space-delimited form.
func (s Scope) String() string {
	return strings.Join(s.tokens, " ")
}
