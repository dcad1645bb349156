// Package auth maps API keys to the clients allowed to call the prediction
// endpoints.
package auth

import (
	"fmt"
	"strings"

	"github.com/neurolens/neurolens/internal/config"
)

// Client is the runtime representation of a configured API key holder.
type Client struct {
	Name string
}

// Auth holds mappings from API keys to clients. A nil or empty Auth admits
// every request.
type Auth struct {
	apiKeyToClient map[string]Client
}

// New builds an Auth from the configured clients.
func New(clients []config.ClientConfig) (*Auth, error) {
	m := make(map[string]Client)
	for _, c := range clients {
		if c.Name == "" {
			return nil, fmt.Errorf("client with empty name in config")
		}
		for _, key := range c.APIKeys {
			if key == "" {
				continue
			}
			if owner, exists := m[key]; exists {
				return nil, fmt.Errorf("api key is assigned to both %s and %s", owner.Name, c.Name)
			}
			m[key] = Client{Name: c.Name}
		}
	}
	return &Auth{apiKeyToClient: m}, nil
}

// Enabled reports whether any key is configured.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.apiKeyToClient) > 0
}

// Lookup returns the client for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil {
		return Client{}, false
	}
	c, ok := a.apiKeyToClient[apiKey]
	return c, ok
}

// ParseBearerToken extracts the token from an Authorization: Bearer header.
func ParseBearerToken(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
