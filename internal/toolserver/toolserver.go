package toolserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/florianilch/authbridge/internal/auth"
)

const serverName = "authbridge"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// invalidToolNameChars matches everything outside the tool-name alphabet
// accepted by MCP clients.
var invalidToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

const maxToolNameLength = 64

// Server exposes the session manager's operations as MCP tools.
type Server struct {
	manager *auth.Manager
	mcp     *server.MCPServer
	mux     *http.ServeMux
	server  *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a tool server bound to the given session manager.
func New(manager *auth.Manager) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("missing session manager")
	}

	s := &Server{
		manager: manager,
		mcp: server.NewMCPServer(
			serverName,
			Version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", applyMiddlewares(server.NewStreamableHTTPServer(s.mcp),
		Logging(),
		Recovery,
	))
	s.mux = mux

	return s, nil
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("auth_status",
		mcp.WithDescription("Report the current authentication state without triggering a login"),
	), s.handleStatus)

	s.addTool(mcp.NewTool("auth_login",
		mcp.WithDescription("Ensure an authenticated session, launching the browser login flow if needed"),
	), s.handleLogin)

	s.addTool(mcp.NewTool("auth_logout",
		mcp.WithDescription("Drop the in-memory session and delete stored credentials"),
	), s.handleLogout)

	s.addTool(mcp.NewTool("auth_refresh",
		mcp.WithDescription("Force a token refresh through the exchange endpoint"),
	), s.handleRefresh)
}

// addTool registers a tool with its name normalized to the client-side
// alphabet.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	tool.Name = normalizeToolName(tool.Name)
	s.mcp.AddTool(tool, handler)
}

// normalizeToolName maps a name onto [a-zA-Z0-9_-] and caps its length, so
// every registered tool is callable from strict MCP clients.
func normalizeToolName(name string) string {
	normalized := invalidToolNameChars.ReplaceAllString(name, "_")
	if len(normalized) > maxToolNameLength {
		normalized = normalized[:maxToolNameLength]
	}
	return normalized
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		// Streamable HTTP responses stay open for the session; bound them
		// generously rather than per-request.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// ServeStdio speaks the tool protocol over the given streams and blocks until
// the context is cancelled or the peer closes the connection.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
