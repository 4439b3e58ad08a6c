package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Delete when no credentials exist for the server.
var ErrNotFound = errors.New("credentials not found")

// ValidationError reports a malformed credentials record. It is returned by
// Set before any write is attempted and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid credentials: " + e.Reason
}

// CorruptionError reports persisted bytes that could not be parsed after a
// successful read. Missing containers and failed decryption are NOT reported
// as corruption; backends self-heal those cases to an empty result.
type CorruptionError struct {
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt credential storage: %v", e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Token holds provider-issued credential material.
// At least one of AccessToken/RefreshToken must be present.
type Token struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is the access token expiry in epoch milliseconds (0 = unknown).
	ExpiresAt int64  `json:"expires_at,omitempty"`
	TokenType string `json:"token_type"`
	Scope     string `json:"scope,omitempty"`
}

// Credentials is a stored credential record keyed by server name.
type Credentials struct {
	ServerName string `json:"server_name"`
	Token      Token  `json:"token"`
	ClientID   string `json:"client_id,omitempty"`
	TokenURL   string `json:"token_url,omitempty"`
	ServerURL  string `json:"server_url,omitempty"`
	// UpdatedAt is re-stamped (epoch milliseconds) on every write.
	UpdatedAt int64 `json:"updated_at"`
}

// Validate checks the record invariants shared by all backends.
func (c *Credentials) Validate() error {
	if c == nil {
		return &ValidationError{Reason: "record is nil"}
	}
	if c.ServerName == "" {
		return &ValidationError{Reason: "server name is empty"}
	}
	if c.Token.AccessToken == "" && c.Token.RefreshToken == "" {
		return &ValidationError{Reason: "token has neither access nor refresh value"}
	}
	if c.Token.TokenType == "" {
		return &ValidationError{Reason: "token type is empty"}
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate backend state.
func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Store reads and writes OAuth credentials to persistent storage.
//
// All backends share the same self-healing policy: a missing container or a
// failed decryption reads back as empty, while parse failures after a
// successful read surface as *CorruptionError.
type Store interface {
	// Get returns the credentials for serverName, or nil if none are stored.
	Get(ctx context.Context, serverName string) (*Credentials, error)

	// Set validates and persists the record, re-stamping UpdatedAt.
	Set(ctx context.Context, creds *Credentials) error

	// Delete removes the credentials for serverName.
	// Returns ErrNotFound if none are stored.
	Delete(ctx context.Context, serverName string) error

	// List returns the names of all servers with stored credentials.
	List(ctx context.Context) ([]string, error)

	// GetAll returns all stored credentials keyed by server name.
	// Individually invalid entries are skipped and logged, never returned
	// as errors.
	GetAll(ctx context.Context) (map[string]*Credentials, error)

	// ClearAll removes all stored credentials. Idempotent.
	ClearAll(ctx context.Context) error
}

// nowMillis is the UpdatedAt clock, overridable in tests.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
