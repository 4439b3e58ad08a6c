package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/authbridge/internal/tokenstore"
)

// Default interactive-login settings.
const (
	DefaultCallbackHost = "127.0.0.1"
	DefaultLoginTimeout = 5 * time.Minute
)

// Config describes the identity provider and exchange endpoint the Manager
// talks to.
type Config struct {
	// ClientID is the public OAuth client identifier. There is no client
	// secret field: the secret lives only at the exchange endpoint.
	ClientID string

	// AuthURL is the provider's authorization endpoint.
	AuthURL string

	// ExchangeURL is the base URL of the remote token-exchange endpoint
	// that performs code-for-token and refresh-for-token exchanges.
	ExchangeURL string

	// Scopes are the permissions this installation requires. Cached tokens
	// missing any of them force re-consent.
	Scopes []string

	// CallbackHost is the interface the local callback listener binds to.
	CallbackHost string

	// CallbackPort pins the callback listener port. Zero selects an
	// OS-assigned ephemeral port; anything else must be in 1-65535.
	CallbackPort int

	// LoginTimeout bounds how long an interactive login may take.
	LoginTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CallbackHost == "" {
		c.CallbackHost = DefaultCallbackHost
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("authorization URL cannot be empty")
	}
	if c.ExchangeURL == "" {
		return fmt.Errorf("exchange URL cannot be empty")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("callback port %d out of range 1-65535", c.CallbackPort)
	}
	return nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the HTTP client used for exchange endpoint calls.
func WithHTTPClient(hc *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = hc
	}
}

// WithBrowserOpener overrides how authorization URLs are opened.
func WithBrowserOpener(open func(url string) error) ManagerOption {
	return func(m *Manager) {
		m.openBrowser = open
	}
}

// Manager owns the single in-memory authenticated session and decides, per
// call, between cache hit, proactive refresh, storage restore, and full
// interactive login.
//
// All entry points share one mutex, so concurrent callers during an
// in-flight interactive login wait for it instead of racing to open a second
// listener.
type Manager struct {
	cfg        Config
	store      tokenstore.Store
	httpClient *http.Client

	openBrowser  func(url string) error
	guiAvailable func() bool
	now          func() time.Time

	mu     sync.Mutex
	client *Client
}

// NewManager creates a Manager on top of the given credential store.
func NewManager(cfg Config, store tokenstore.Store, opts ...ManagerOption) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid auth configuration: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}

	m := &Manager{
		cfg:          cfg,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		openBrowser:  OpenBrowser,
		guiAvailable: BrowserAvailable,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetAuthenticatedClient returns a client holding a usable access token,
// going through memory, storage, proactive refresh, and finally the
// interactive browser login.
func (m *Manager) GetAuthenticatedClient(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getClientLocked(ctx)
}

func (m *Manager) getClientLocked(ctx context.Context) (*Client, error) {
	// Fast path: steady-state operation on the cached session. One refresh
	// attempt at most; a failed refresh falls through to full re-auth
	// rather than retrying in a loop.
	if m.client != nil && m.client.HasRefreshToken() {
		if m.client.ExpiringSoon(m.now()) {
			if err := m.refreshLocked(ctx, m.client); err != nil {
				slog.WarnContext(ctx, "proactive refresh failed, forcing re-authentication", "error", err)
				m.client = nil
				if err := ClearCredentials(ctx, m.store); err != nil {
					slog.WarnContext(ctx, "clearing credentials after failed refresh", "error", err)
				}
			}
		}
		if m.client != nil {
			return m.client, nil
		}
	}

	client := newClient(m.cfg)
	client.onToken = func(tok *oauth2.Token, scope string) {
		m.persistToken(tok, scope)
	}

	tok, scope, err := LoadCredentials(ctx, m.store)
	if err != nil {
		slog.WarnContext(ctx, "loading cached credentials failed, treating as cache miss", "error", err)
		tok = nil
	}
	if tok != nil {
		if missing := missingScopes(scope, m.cfg.Scopes); len(missing) > 0 {
			// Insufficient consent is not an error the caller can act on;
			// purge and force a fresh consent instead of silently operating
			// with fewer permissions.
			slog.InfoContext(ctx, "cached token lacks required scopes, forcing re-consent", "missing", missing)
			if err := ClearCredentials(ctx, m.store); err != nil {
				slog.WarnContext(ctx, "purging under-scoped credentials", "error", err)
			}
		} else {
			client.restoreToken(tok, scope)
			if client.HasRefreshToken() && client.ExpiringSoon(m.now()) {
				if err := m.refreshLocked(ctx, client); err != nil {
					slog.WarnContext(ctx, "refresh of restored session failed, forcing re-authentication", "error", err)
					client.dropToken()
					if err := ClearCredentials(ctx, m.store); err != nil {
						slog.WarnContext(ctx, "clearing credentials after failed refresh", "error", err)
					}
				}
			}
		}
	}

	if t := client.Token(); t != nil && t.AccessToken != "" {
		m.client = client
		return m.client, nil
	}

	// Nothing cached, nothing restorable: interactive login.
	tok, scope, err = m.interactiveLogin(ctx, client)
	if err != nil {
		return nil, err
	}
	client.restoreToken(tok, scope)
	if err := SaveCredentials(ctx, m.store, tok, scope); err != nil {
		// The session works for this process lifetime; losing persistence
		// only costs a re-login after restart.
		slog.ErrorContext(ctx, "persisting credentials after login failed", "error", err)
	}

	m.client = client
	return m.client, nil
}

// ClearAuth drops the in-memory session and deletes persisted credentials.
// Idempotent.
func (m *Manager) ClearAuth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = nil
	return ClearCredentials(ctx, m.store)
}

// RefreshToken forces a refresh through the exchange endpoint and returns
// the resulting token. A cold Manager first bootstraps a session via the
// full GetAuthenticatedClient path.
func (m *Manager) RefreshToken(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		if _, err := m.getClientLocked(ctx); err != nil {
			return nil, err
		}
	}
	if !m.client.HasRefreshToken() {
		return nil, ErrNoRefreshToken
	}
	if err := m.refreshLocked(ctx, m.client); err != nil {
		m.client = nil
		return nil, err
	}
	return m.client.Token(), nil
}

// refreshResponse is the exchange endpoint's refresh route payload.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiryDate  int64  `json:"expiry_date"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// refreshLocked calls the exchange endpoint's refresh route and merges the
// response into the client. The refresh token from the response is never
// trusted: the provider does not reissue refresh tokens on refresh, so the
// original one is always preserved.
func (m *Manager) refreshLocked(ctx context.Context, client *Client) error {
	current := client.Token()
	if current == nil || current.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return fmt.Errorf("marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ExchangeURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling refresh endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RefreshError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parsing refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("refresh response contained no access token")
	}

	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = current.TokenType
	}
	scope := parsed.Scope
	if scope == "" {
		scope = client.Scope()
	}

	merged := &oauth2.Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: current.RefreshToken,
		TokenType:    tokenType,
	}
	if parsed.ExpiryDate != 0 {
		merged.Expiry = time.UnixMilli(parsed.ExpiryDate)
	}

	client.UpdateToken(merged, scope)
	return nil
}

// persistToken is the token-update observer. It merges newly issued fields
// with the previously stored refresh token and writes the result. Failures
// are logged, never propagated: persistence problems must not crash the
// flow that produced the token.
func (m *Manager) persistToken(tok *oauth2.Token, scope string) {
	ctx := context.Background()

	merged := *tok
	if merged.RefreshToken == "" {
		if prev, _, err := LoadCredentials(ctx, m.store); err == nil && prev != nil {
			merged.RefreshToken = prev.RefreshToken
		}
	}

	if err := SaveCredentials(ctx, m.store, &merged, scope); err != nil {
		slog.ErrorContext(ctx, "persisting refreshed credentials failed", "error", err)
	}
}

// Status describes the current session for status surfaces. It never
// triggers a login.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	Source        string    `json:"source"` // "memory", "storage" or "none"
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	Scope         string    `json:"scope,omitempty"`

	// StorageBackend is the resolved credential backend, when the store has
	// resolved one ("keychain" or "file").
	StorageBackend string `json:"storage_backend,omitempty"`
}

// Status reports whether a session exists in memory or storage, without
// refreshing or logging in.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	var status Status

	if client != nil {
		if tok := client.Token(); tok != nil {
			status.Authenticated = true
			status.Source = "memory"
			status.ExpiresAt = tok.Expiry
			status.Scope = client.Scope()
			status.StorageBackend = m.storageBackend()
			return status, nil
		}
	}

	tok, scope, err := LoadCredentials(ctx, m.store)
	if err != nil {
		return Status{}, err
	}
	// Selection resolves on first store use, so read it only now.
	status.StorageBackend = m.storageBackend()
	if tok == nil {
		status.Source = "none"
		return status, nil
	}

	status.Authenticated = true
	status.Source = "storage"
	status.ExpiresAt = tok.Expiry
	status.Scope = scope
	return status, nil
}

// storageBackend reports the resolved backend for stores that expose one.
func (m *Manager) storageBackend() string {
	if sr, ok := m.store.(interface{ Selection() tokenstore.Selection }); ok {
		return string(sr.Selection())
	}
	return ""
}

// missingScopes returns the required scopes absent from the space-delimited
// granted scope string.
func missingScopes(granted string, required []string) []string {
	have := strings.Fields(granted)

	var missing []string
	for _, want := range required {
		if !slices.Contains(have, want) {
			missing = append(missing, want)
		}
	}
	return missing
}
