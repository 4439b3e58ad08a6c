package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// callbackPath is the route the exchange endpoint redirects the browser to
// on the local listener.
const callbackPath = "/oauth2callback"

// maxStateBytes caps the encoded state parameter; the exchange endpoint
// refuses anything larger.
const maxStateBytes = 4096

// statePayload travels base64-encoded inside the provider's state parameter.
// The OAuth redirect target is the remote exchange endpoint, not this
// process, so the local callback address has to be smuggled through state.
type statePayload struct {
	// RedirectURI is the local callback address, set only when a browser
	// can be launched. The exchange endpoint only accepts localhost targets.
	RedirectURI string `json:"redirect_uri,omitempty"`

	// Manual marks a headless flow: the exchange endpoint renders a
	// copy-paste page instead of redirecting.
	Manual bool `json:"manual,omitempty"`

	// CSRF binds the callback to this specific login attempt.
	CSRF string `json:"csrf"`
}

// loginResult is delivered by the callback listener exactly once.
type loginResult struct {
	token *oauth2.Token
	scope string
	err   error
}

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Signed in</h1>
<p>Authentication complete. You can close this window and return to your terminal.</p>
</body>
</html>`))

var failurePage = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign-in failed</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Sign-in failed</h1>
<p>{{.Reason}}</p>
<p>Close this window and retry the login from your terminal.</p>
</body>
</html>`))

// newCSRFToken returns 256 bits of randomness, hex-encoded (64 characters).
func newCSRFToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating CSRF token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// interactiveLogin drives a full browser consent flow: it binds the local
// callback listener, builds the authorization URL with the state payload,
// opens the browser (or prints the URL for headless use), and waits for the
// single callback, racing it against the configured timeout.
func (m *Manager) interactiveLogin(ctx context.Context, client *Client) (*oauth2.Token, string, error) {
	listener, err := m.bindCallbackListener()
	if err != nil {
		return nil, "", err
	}

	csrf, err := newCSRFToken()
	if err != nil {
		_ = listener.Close()
		return nil, "", err
	}

	gui := m.guiAvailable()
	payload := statePayload{CSRF: csrf}
	if gui {
		payload.RedirectURI = fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)
	} else {
		payload.Manual = true
	}

	state, err := encodeState(payload)
	if err != nil {
		_ = listener.Close()
		return nil, "", err
	}

	authURL := client.AuthCodeURL(state)

	srv := newCallbackServer(csrf)
	srv.serve(listener)

	if gui {
		if err := m.openBrowser(authURL); err != nil {
			slog.WarnContext(ctx, "opening browser failed, falling back to manual URL", "error", err)
			printAuthURL(authURL)
		}
	} else {
		printAuthURL(authURL)
	}

	select {
	case result := <-srv.resultCh:
		srv.shutdown()
		if result.err != nil {
			return nil, "", result.err
		}
		return result.token, result.scope, nil
	case <-time.After(m.cfg.LoginTimeout):
		srv.shutdown()
		return nil, "", ErrLoginTimeout
	case <-ctx.Done():
		srv.shutdown()
		return nil, "", ctx.Err()
	}
}

// bindCallbackListener binds the configured host/port, or an OS-assigned
// ephemeral port when none is pinned.
func (m *Manager) bindCallbackListener() (net.Listener, error) {
	port := m.cfg.CallbackPort
	addr := net.JoinHostPort(m.cfg.CallbackHost, strconv.Itoa(port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding callback listener on %s: %w", addr, err)
	}
	return listener, nil
}

func encodeState(payload statePayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling state payload: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(raw)
	if len(state) > maxStateBytes {
		return "", fmt.Errorf("state payload exceeds %d bytes", maxStateBytes)
	}
	return state, nil
}

func decodeState(state string) (statePayload, error) {
	var payload statePayload
	raw, err := base64.URLEncoding.DecodeString(state)
	if err != nil {
		return payload, fmt.Errorf("decoding state: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("parsing state: %w", err)
	}
	return payload, nil
}

// printAuthURL goes to stderr: stdout may carry the tool-serving protocol.
func printAuthURL(authURL string) {
	fmt.Fprintf(os.Stderr, "\nOpen this URL in a browser to sign in:\n\n  %s\n\n", authURL)
}

// callbackServer is the single-shot local listener for the OAuth callback.
// It accepts exactly one meaningful request and closes itself on every exit
// path: success, CSRF failure, provider error, malformed request.
type callbackServer struct {
	csrf     string
	server   *http.Server
	resultCh chan loginResult
	once     sync.Once
}

func newCallbackServer(csrf string) *callbackServer {
	return &callbackServer{
		csrf:     csrf,
		resultCh: make(chan loginResult, 1),
	}
}

func (s *callbackServer) serve(listener net.Listener) {
	s.server = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.deliver(loginResult{err: fmt.Errorf("callback listener failed: %w", err)})
		}
	}()
}

func (s *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	handled := false
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)

		// Give the response time to flush before tearing the server down.
		go func() {
			time.Sleep(time.Second)
			s.shutdown()
		}()
	})

	if !handled {
		http.Error(w, "callback already processed", http.StatusConflict)
	}
}

func (s *callbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != callbackPath {
		s.fail(w, "Unexpected callback path.", fmt.Errorf("unexpected callback path %q", r.URL.Path))
		return
	}

	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		err := &ProviderError{Code: errCode, Description: query.Get("error_description")}
		s.fail(w, "The identity provider reported an error: "+errCode, err)
		return
	}

	payload, err := decodeState(query.Get("state"))
	if err != nil {
		s.fail(w, "The callback carried an unreadable state parameter.", err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(payload.CSRF), []byte(s.csrf)) != 1 {
		s.fail(w, "State verification failed. This sign-in attempt cannot be trusted.", ErrCSRFMismatch)
		return
	}

	token, scope, err := tokenFromQuery(query)
	if err != nil {
		s.fail(w, "The callback did not carry token material.", err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successPage.Execute(w, nil); err != nil {
		slog.Warn("rendering login success page", "error", err)
	}
	s.deliver(loginResult{token: token, scope: scope})
}

func (s *callbackServer) fail(w http.ResponseWriter, reason string, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	if renderErr := failurePage.Execute(w, map[string]string{"Reason": reason}); renderErr != nil {
		slog.Warn("rendering login failure page", "error", renderErr)
	}
	s.deliver(loginResult{err: err})
}

func (s *callbackServer) deliver(result loginResult) {
	select {
	case s.resultCh <- result:
	default:
	}
}

func (s *callbackServer) shutdown() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// tokenFromQuery parses the token fields the exchange endpoint appends to
// the callback redirect.
func tokenFromQuery(query url.Values) (*oauth2.Token, string, error) {
	accessToken := query.Get("access_token")
	refreshToken := query.Get("refresh_token")
	if accessToken == "" && refreshToken == "" {
		return nil, "", fmt.Errorf("callback carried neither access nor refresh token")
	}

	tokenType := query.Get("token_type")
	if tokenType == "" {
		tokenType = "Bearer"
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
	}

	if raw := query.Get("expiry_date"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("parsing expiry_date %q: %w", raw, err)
		}
		token.Expiry = time.UnixMilli(ms)
	}

	return token, query.Get("scope"), nil
}
