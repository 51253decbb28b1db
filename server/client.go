package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-grants/scope"
)

// ErrClientNotFound is returned by a ClientRegistry for unknown client ids.
var ErrClientNotFound = errors.New("client not found")

// Session identifies the principal on whose behalf a code is issued.
// It is supplied by the host application's authentication layer.
type Session struct {
	ContextID string
	UserID    string
}

// Client is the read-only view of a registered client this package needs.
type Client struct {
	ID string

	// RedirectURIs are compared verbatim against the redirect URI of an
	// authorization request.
	RedirectURIs []string

	// Scope is the scope the client is entitled to request.
	// Empty means any registered scope.
	Scope scope.Scope
}

// HasRedirectURI reports whether uri is registered for the client.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ClientRegistry resolves client ids. Client registration, storage and
// secret verification belong to the host application.
type ClientRegistry interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// StaticClientRegistry is a ClientRegistry over a fixed set of clients.
type StaticClientRegistry map[string]*Client

// NewStaticClientRegistry indexes clients by id.
func NewStaticClientRegistry(clients ...*Client) (StaticClientRegistry, error) {
	r := make(StaticClientRegistry, len(clients))
	for _, c := range clients {
		if c == nil || c.ID == "" {
			return nil, fmt.Errorf("client id cannot be empty")
		}
		if _, exists := r[c.ID]; exists {
			return nil, fmt.Errorf("duplicate client %q", c.ID)
		}
		r[c.ID] = c
	}
	return r, nil
}

// GetClient implements ClientRegistry.
func (r StaticClientRegistry) GetClient(_ context.Context, clientID string) (*Client, error) {
	c, ok := r[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, nil
}
