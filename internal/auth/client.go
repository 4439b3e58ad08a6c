package auth

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// expiryBuffer is the proactive-refresh window: a token expiring within this
// buffer is treated as expiring soon.
const expiryBuffer = 5 * time.Minute

// Client is the in-memory authenticated session. Exactly one live Client is
// held by the Manager per process; it is replaced wholesale on clear or
// reload, never partially mutated from outside.
//
// The Client carries no client secret. Authorization URLs point the provider
// at the remote exchange endpoint, which performs the code-for-token
// exchange with the secret it holds.
type Client struct {
	conf *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
	scope string

	// onToken observes token updates (refreshes, not restores). Persistence
	// failures inside the observer are logged by its owner and never
	// propagate back into the calling flow.
	onToken func(tok *oauth2.Token, scope string)
}

func newClient(cfg Config) *Client {
	return &Client{
		conf: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL: cfg.AuthURL,
			},
			// The provider redirects to the exchange endpoint, never to
			// this process.
			RedirectURL: cfg.ExchangeURL + "/oauth2callback",
			Scopes:      cfg.Scopes,
		},
	}
}

// Token returns a copy of the current token, or nil when unauthenticated.
func (c *Client) Token() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil
	}
	cp := *c.token
	return &cp
}

// Scope returns the space-delimited scope string granted at consent.
func (c *Client) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// HasRefreshToken reports whether the session can be refreshed.
func (c *Client) HasRefreshToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != nil && c.token.RefreshToken != ""
}

// ExpiringSoon reports whether the access token expires within the
// proactive-refresh buffer. A token without a known expiry never reports as
// expiring.
func (c *Client) ExpiringSoon(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return false
	}
	if c.token.Expiry.IsZero() {
		return false
	}
	return c.token.Expiry.Before(now.Add(expiryBuffer))
}

// restoreToken sets the session token without notifying the observer. Used
// when reconstructing the session from storage, where writing straight back
// would be a pointless echo.
func (c *Client) restoreToken(tok *oauth2.Token, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tok
	c.scope = scope
}

// UpdateToken replaces the session token and notifies the observer. This is
// the path taken when the provider issues new token material.
func (c *Client) UpdateToken(tok *oauth2.Token, scope string) {
	c.mu.Lock()
	c.token = tok
	c.scope = scope
	observer := c.onToken
	c.mu.Unlock()

	if observer != nil {
		observer(tok, scope)
	}
}

// dropToken clears the session token, e.g. after a failed refresh.
func (c *Client) dropToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
	c.scope = ""
}

// AuthCodeURL builds the provider authorization URL for the given state.
// access_type=offline and prompt=consent force refresh-token issuance on
// every consent; the provider does not reissue refresh tokens on
// incremental-consent reauthorization.
func (c *Client) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}
