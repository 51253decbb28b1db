package scope

import (
	"fmt"
	"slices"
)

// Provider describes one registrable scope token.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Token returns the scope token this provider answers for.
	Token() string

	// Description returns a human-readable description, e.g. for consent screens.
	Description() string
}

// Static is a Provider backed by fixed values.
type Static struct {
	Name string
	Desc string
}

// Token implements Provider.
func (s Static) Token() string { return s.Name }

// Description implements Provider.
func (s Static) Description() string { return s.Desc }

// Registry maps scope tokens to their providers.
// It is built once and never mutated, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
// Tokens must be well-formed and unique.
func NewRegistry(providers ...Provider) (*Registry, error) {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("scope provider cannot be nil")
		}
		token := p.Token()
		if err := validateToken(token); err != nil {
			return nil, err
		}
		if _, exists := m[token]; exists {
			return nil, fmt.Errorf("duplicate scope provider for %q", token)
		}
		m[token] = p
	}
	return &Registry{providers: m}, nil
}

// Lookup returns the provider registered for token.
// Unknown tokens are not an error.
func (r *Registry) Lookup(token string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[token]
	return p, ok
}

// Validate checks that every token of s has a registered provider.
func (r *Registry) Validate(s Scope) error {
	for _, t := range s.tokens {
		if _, ok := r.Lookup(t); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownScope, t)
		}
	}
	return nil
}

// Tokens returns all registered tokens in ascending order.
func (r *Registry) Tokens() []string {
	if r == nil {
		return nil
	}
	tokens := make([]string, 0, len(r.providers))
	for t := range r.providers {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)
	return tokens
}
