package commands

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/florianilch/authbridge/internal/app"
)

func fakeEnviron(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoadConfigFromEnv(t *testing.T) {
	environ := fakeEnviron(
		"AUTHBRIDGE_AUTH__CLIENT_ID=client-1",
		"AUTHBRIDGE_AUTH__EXCHANGE_URL=https://exchange.example",
		"AUTHBRIDGE_AUTH__SCOPES=a,b",
		"AUTHBRIDGE_AUTH__STORAGE=file",
		"AUTHBRIDGE_SERVER__PORT=9000",
	)

	cfg, err := loadConfig("", nil, environ)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Auth.ClientID != "client-1" {
		t.Errorf("client ID = %q", cfg.Auth.ClientID)
	}
	if cfg.Auth.Storage != app.StorageFile {
		t.Errorf("storage = %q, want file", cfg.Auth.Storage)
	}
	if len(cfg.Auth.Scopes) != 2 || cfg.Auth.Scopes[0] != "a" || cfg.Auth.Scopes[1] != "b" {
		t.Errorf("scopes = %v", cfg.Auth.Scopes)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}

	// Defaults fill whatever the environment left unset.
	if cfg.Auth.AuthURL != app.DefaultConfigAuthURL {
		t.Errorf("auth URL = %q, want default", cfg.Auth.AuthURL)
	}
	if cfg.LogFormat != app.DefaultConfigLogFormat {
		t.Errorf("log format = %q, want default", cfg.LogFormat)
	}
	if cfg.Auth.KeychainService != app.DefaultConfigKeychainService {
		t.Errorf("keychain service = %q, want default", cfg.Auth.KeychainService)
	}
	if cfg.Auth.Dir == "" {
		t.Error("auth dir was not defaulted")
	}
}

func TestLoadConfigParsesLevelAndDuration(t *testing.T) {
	environ := fakeEnviron(
		"AUTHBRIDGE_AUTH__CLIENT_ID=client-1",
		"AUTHBRIDGE_AUTH__EXCHANGE_URL=https://exchange.example",
		"AUTHBRIDGE_AUTH__SCOPES=a",
		"AUTHBRIDGE_LOG_LEVEL=debug",
		"AUTHBRIDGE_AUTH__LOGIN_TIMEOUT=90s",
	)

	cfg, err := loadConfig("", nil, environ)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", cfg.LogLevel)
	}
	if cfg.Auth.LoginTimeout != 90*time.Second {
		t.Errorf("login timeout = %v, want 90s", cfg.Auth.LoginTimeout)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
log_format = "json"

[server]
port = 9100

[auth]
client_id = "client-file"
exchange_url = "https://exchange.example"
scopes = ["a", "b"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := loadConfig(path, nil, fakeEnviron())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Auth.ClientID != "client-file" {
		t.Errorf("client ID = %q", cfg.Auth.ClientID)
	}
	if cfg.LogFormat != app.LogFormatJSON {
		t.Errorf("log format = %q, want json", cfg.LogFormat)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[auth]
client_id = "client-file"
exchange_url = "https://exchange.example"
scopes = ["a"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	environ := fakeEnviron("AUTHBRIDGE_AUTH__CLIENT_ID=client-env")
	cfg, err := loadConfig(path, nil, environ)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Auth.ClientID != "client-env" {
		t.Errorf("client ID = %q, want the env value", cfg.Auth.ClientID)
	}
}

func TestLoadConfigRequiresClientID(t *testing.T) {
	environ := fakeEnviron(
		"AUTHBRIDGE_AUTH__EXCHANGE_URL=https://exchange.example",
		"AUTHBRIDGE_AUTH__SCOPES=a",
	)

	if _, err := loadConfig("", nil, environ); err == nil {
		t.Fatal("expected validation to fail without a client ID")
	}
}
