// Package auth obtains OAuth2 client credentials tokens for calls to a
// gateway admin API published behind an authenticating proxy.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Conf holds the client credentials grant parameters.
type Conf struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// Enabled reports whether enough is configured to request tokens.
func (c Conf) Enabled() bool { return c.ClientID != "" && c.TokenURL != "" }

func (c Conf) oauth2() clientcredentials.Config {
	return clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
}

// NewHTTPClient returns a client that attaches a bearer token to every
// request, or http.DefaultClient when conf is not enabled.
func NewHTTPClient(ctx context.Context, conf Conf) *http.Client {
	if !conf.Enabled() {
		return http.DefaultClient
	}
	cc := conf.oauth2()
	return cc.Client(ctx)
}

// ClientCred caches a token and refreshes it once expired.
type ClientCred struct {
	conf clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewClientCred(conf Conf) *ClientCred {
	return &ClientCred{conf: conf.oauth2()}
}

// Token returns the cached access token, requesting a new one when missing
// or expired.
func (c *ClientCred) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.Valid() {
		return c.token, nil
	}
	tok, err := c.conf.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials token: %w", err)
	}
	c.token = tok
	return tok, nil
}

// SetAuthHeader sets the Authorization header of r.
func (c *ClientCred) SetAuthHeader(r *http.Request) error {
	tok, err := c.Token(r.Context())
	if err != nil {
		return err
	}
	tok.SetAuthHeader(r)
	return nil
}
