package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// GraphScope is the application scope for Microsoft Graph.
const GraphScope = "https://graph.microsoft.com/.default"

// ErrNoCredentials is returned when no client credentials are configured.
var ErrNoCredentials = errors.New("calendar credentials not configured")

// CachedCredentials obtains an app-only token with the OAuth2 client
// credentials grant and reuses it until it expires or is invalidated.
type CachedCredentials struct {
	cfg *clientcredentials.Config

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewAzureCredentials builds credentials against the Azure AD v2 token
// endpoint of tenantID.
func NewAzureCredentials(tenantID, clientID, clientSecret string) *CachedCredentials {
	return NewCachedCredentials(&clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{GraphScope},
	})
}

// NewCachedCredentials wraps an arbitrary client credentials config.
func NewCachedCredentials(cfg *clientcredentials.Config) *CachedCredentials {
	return &CachedCredentials{cfg: cfg}
}

// AccessToken returns the cached token while it is valid, fetching a new
// one otherwise.
func (c *CachedCredentials) AccessToken(ctx context.Context) (string, error) {
	if c == nil || c.cfg == nil || c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", ErrNoCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.Valid() {
		return c.tok.AccessToken, nil
	}
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	c.tok = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (c *CachedCredentials) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}
