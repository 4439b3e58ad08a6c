package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// handleStatus reports the session state. It never triggers a login.
func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.manager.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read authentication status: %v", err)), nil
	}
	return statusResult(status)
}

// handleLogin ensures an authenticated session, running the interactive flow
// when nothing usable is cached or stored.
func (s *Server) handleLogin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := s.manager.GetAuthenticatedClient(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Login failed: %v", err)), nil
	}

	status, err := s.manager.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Login succeeded but status read failed: %v", err)), nil
	}
	return statusResult(status)
}

// handleLogout drops the session. Idempotent.
func (s *Server) handleLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.manager.ClearAuth(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Logout failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Signed out; stored credentials deleted."), nil
}

// handleRefresh forces a refresh. Token material never leaves the process;
// only the resulting expiry is reported.
func (s *Server) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, err := s.manager.RefreshToken(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refresh failed: %v", err)), nil
	}

	out := map[string]any{"refreshed": true}
	if !tok.Expiry.IsZero() {
		out["expires_at"] = tok.Expiry.Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format refresh result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func statusResult(status any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
