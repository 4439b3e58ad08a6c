package app

import (
	"testing"

	"github.com/florianilch/authbridge/internal/auth"
	"github.com/florianilch/authbridge/internal/tokenstore"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Auth: AuthConfig{
			ClientID:    "client-1",
			ExchangeURL: "https://exchange.example",
			Scopes:      []string{"a"},
			Dir:         t.TempDir(),
		},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig(t)

	if cfg.LogFormat != DefaultConfigLogFormat {
		t.Errorf("log format = %q", cfg.LogFormat)
	}
	if cfg.Server.Host != DefaultConfigServerHost || cfg.Server.Port != DefaultConfigServerPort {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Shutdown.Timeout != DefaultConfigShutdownTimeout {
		t.Errorf("shutdown timeout = %v", cfg.Shutdown.Timeout)
	}
	if cfg.Auth.AuthURL != DefaultConfigAuthURL {
		t.Errorf("auth URL = %q", cfg.Auth.AuthURL)
	}
	if cfg.Auth.Storage != StorageAuto {
		t.Errorf("storage = %q", cfg.Auth.Storage)
	}
	if cfg.Auth.CallbackHost != auth.DefaultCallbackHost {
		t.Errorf("callback host = %q", cfg.Auth.CallbackHost)
	}
	if cfg.Auth.LoginTimeout != auth.DefaultLoginTimeout {
		t.Errorf("login timeout = %v", cfg.Auth.LoginTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config failed validation: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing client id", func(c *Config) { c.Auth.ClientID = "" }},
		{"missing exchange url", func(c *Config) { c.Auth.ExchangeURL = "" }},
		{"invalid exchange url", func(c *Config) { c.Auth.ExchangeURL = "not a url" }},
		{"no scopes", func(c *Config) { c.Auth.Scopes = nil }},
		{"unknown storage", func(c *Config) { c.Auth.Storage = "vault" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestNewStoreBackendSelection(t *testing.T) {
	cfg := validConfig(t)

	cfg.Auth.Storage = StorageFile
	store, err := cfg.Auth.NewStore()
	if err != nil {
		t.Fatalf("NewStore(file): %v", err)
	}
	if _, ok := store.(*tokenstore.HybridStore); !ok {
		t.Errorf("file storage produced %T, want *HybridStore", store)
	}

	cfg.Auth.Storage = StorageKeychain
	store, err = cfg.Auth.NewStore()
	if err != nil {
		t.Fatalf("NewStore(keychain): %v", err)
	}
	if _, ok := store.(*tokenstore.KeychainStore); !ok {
		t.Errorf("keychain storage produced %T, want *KeychainStore", store)
	}
}
