package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ClientRegistry holds registered OAuth clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if cfg.SecretHash == "" {
			return nil, fmt.Errorf("client %s: secret_hash required", cfg.ClientID)
		}
		clients[cfg.ClientID] = &Client{
			ClientID:   cfg.ClientID,
			SecretHash: []byte(cfg.SecretHash),
			Scopes:     cfg.Scopes,
			Audiences:  cfg.Audiences,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials against the stored bcrypt hash.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok || secret == "" {
		return nil, fmt.Errorf("invalid_client")
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid_client")
	}
	return client, nil
}

// HashSecret returns the bcrypt hash stored in configuration for secret.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValidateScopes ensures requested scopes are subset of configured scopes.
func (c *Client) ValidateScopes(scope string) bool {
	if scope == "" {
		return true
	}
	for _, sc := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// ResolveAudience picks the requested audience if the client may use it,
// otherwise the client's first audience.
func (c *Client) ResolveAudience(requested string) (string, bool) {
	if requested == "" {
		if len(c.Audiences) == 0 {
			return "", false
		}
		return c.Audiences[0], true
	}
	if slices.Contains(c.Audiences, requested) {
		return requested, true
	}
	return "", false
}
