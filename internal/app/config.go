package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/authbridge/internal/auth"
	"github.com/florianilch/authbridge/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatAuto       LogFormat = "auto"
	LogFormatText       LogFormat = "text"
	LogFormatJSON       LogFormat = "json"
	LogFormatOTLP       LogFormat = "otlp"
	LogFormatOTLPGRPC   LogFormat = "otlp-grpc"
	LogFormatOTLPStdout LogFormat = "otlp-stdout"
)

// StorageType selects the credential storage backend.
type StorageType string

const (
	// StorageAuto probes the OS keychain and falls back to the encrypted file.
	StorageAuto StorageType = "auto"
	// StorageFile pins the encrypted file backend without probing.
	StorageFile StorageType = "file"
	// StorageKeychain pins the OS keychain backend.
	StorageKeychain StorageType = "keychain"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatAuto
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 8137
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAuthStorage     = StorageAuto
	DefaultConfigAuthURL         = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultConfigKeychainService = "authbridge"
)

// ServerConfig holds the tool server listener configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// AuthConfig describes the identity provider, the remote exchange endpoint,
// and where credentials are stored.
type AuthConfig struct {
	// ClientID is the public OAuth client identifier. The matching secret
	// lives only at the exchange endpoint.
	ClientID string `json:"client_id" validate:"required"`

	// AuthURL is the provider's authorization endpoint.
	AuthURL string `json:"auth_url" validate:"required,url"`

	// ExchangeURL is the base URL of the remote token-exchange endpoint.
	ExchangeURL string `json:"exchange_url" validate:"required,url"`

	// Scopes this installation requires. Stored tokens missing any of them
	// force re-consent.
	Scopes []string `json:"scopes" validate:"required,min=1"`

	// Storage selects the credential backend.
	Storage StorageType `json:"storage" validate:"required,oneof=auto file keychain"`

	// Dir is where the encrypted file backend keeps its files.
	Dir string `json:"dir,omitempty"`

	// KeychainService namespaces entries in the OS keychain.
	KeychainService string `json:"keychain_service,omitempty"`

	// CallbackHost is the interface the login callback listener binds to.
	CallbackHost string `json:"callback_host,omitempty"`

	// CallbackPort pins the callback listener port (0 = ephemeral).
	CallbackPort uint16 `json:"callback_port"`

	// LoginTimeout bounds the interactive login flow.
	LoginTimeout time.Duration `json:"login_timeout"`
}

// NewStore creates the credential store from the authentication configuration.
func (a *AuthConfig) NewStore() (tokenstore.Store, error) {
	switch a.Storage {
	case StorageAuto:
		return tokenstore.NewHybridStore(tokenstore.HybridConfig{
			Dir:     a.Dir,
			Service: a.KeychainService,
		})
	case StorageFile:
		return tokenstore.NewHybridStore(tokenstore.HybridConfig{
			Dir:       a.Dir,
			Service:   a.KeychainService,
			ForceFile: true,
		})
	case StorageKeychain:
		return tokenstore.NewKeychainStore(a.KeychainService)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// ManagerConfig maps the authentication configuration onto the session
// manager's config.
func (a *AuthConfig) ManagerConfig() auth.Config {
	return auth.Config{
		ClientID:     a.ClientID,
		AuthURL:      a.AuthURL,
		ExchangeURL:  a.ExchangeURL,
		Scopes:       a.Scopes,
		CallbackHost: a.CallbackHost,
		CallbackPort: int(a.CallbackPort),
		LoginTimeout: a.LoginTimeout,
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=auto text json otlp otlp-grpc otlp-stdout"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Auth      AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Auth.AuthURL == "" {
		c.Auth.AuthURL = DefaultConfigAuthURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.KeychainService == "" {
		c.Auth.KeychainService = DefaultConfigKeychainService
	}
	if c.Auth.CallbackHost == "" {
		c.Auth.CallbackHost = auth.DefaultCallbackHost
	}
	if c.Auth.LoginTimeout == 0 {
		c.Auth.LoginTimeout = auth.DefaultLoginTimeout
	}

	if c.Auth.Dir == "" && c.Auth.Storage != StorageKeychain {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("auth.dir required (auto-detect failed: %w)", err)
		}
		c.Auth.Dir = filepath.Join(configDir, "authbridge")
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Auth.Storage != StorageKeychain && c.Auth.Dir == "" {
		return fmt.Errorf("auth.dir required for %s storage", c.Auth.Storage)
	}

	return nil
}
