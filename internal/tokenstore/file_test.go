package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func testCredentials(serverName string) *Credentials {
	return &Credentials{
		ServerName: serverName,
		Token: Token{
			AccessToken:  "access-" + serverName,
			RefreshToken: "refresh-" + serverName,
			ExpiresAt:    1700000000000,
			TokenType:    "Bearer",
			Scope:        "a b",
		},
		ClientID:  "client-id",
		TokenURL:  "https://exchange.example.com/token",
		ServerURL: "https://tools.example.com",
		UpdatedAt: 1600000000000,
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	original := testCredentials("workspace")
	if err := store.Set(ctx, original); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.Get(ctx, "workspace")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for stored credentials")
	}

	if got.Token != original.Token {
		t.Errorf("token mismatch: got %+v, want %+v", got.Token, original.Token)
	}
	if got.ServerName != original.ServerName || got.ClientID != original.ClientID ||
		got.TokenURL != original.TokenURL || got.ServerURL != original.ServerURL {
		t.Errorf("record fields mismatch: got %+v", got)
	}
	if got.UpdatedAt < original.UpdatedAt {
		t.Errorf("UpdatedAt not re-stamped: got %d, want >= %d", got.UpdatedAt, original.UpdatedAt)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	store := newTestFileStore(t)

	got, err := store.Get(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing credentials, got %+v", got)
	}
}

func TestFileStore_SetValidation(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		creds *Credentials
	}{
		{
			name:  "empty server name",
			creds: &Credentials{Token: Token{AccessToken: "x", TokenType: "Bearer"}},
		},
		{
			name:  "no access or refresh token",
			creds: &Credentials{ServerName: "s", Token: Token{TokenType: "Bearer"}},
		},
		{
			name:  "empty token type",
			creds: &Credentials{ServerName: "s", Token: Token{AccessToken: "x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Set(ctx, tt.creds)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestFileStore_RefreshTokenOnlyIsValid(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	creds := &Credentials{
		ServerName: "refresh-only",
		Token:      Token{RefreshToken: "r", TokenType: "Bearer"},
	}
	if err := store.Set(ctx, creds); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.Get(ctx, "refresh-only")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Token.RefreshToken != "r" {
		t.Errorf("expected refresh-only record back, got %+v", got)
	}
}

func TestFileStore_DeleteMissing(t *testing.T) {
	store := newTestFileStore(t)

	err := store.Delete(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_DeleteLastEntryRemovesFile(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("only")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(store.credentialsPath()); err != nil {
		t.Fatalf("credential file should exist after Set: %v", err)
	}

	if err := store.Delete(ctx, "only"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(store.credentialsPath()); !os.IsNotExist(err) {
		t.Errorf("credential file should be removed after deleting last entry, stat err: %v", err)
	}
}

func TestFileStore_ClearAllIdempotent(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("first ClearAll: %v", err)
	}
	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("second ClearAll should not fail: %v", err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty server list after ClearAll, got %v", names)
	}
}

func TestFileStore_GarbageFileReadsAsEmpty(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := os.WriteFile(store.credentialsPath(), []byte("not ciphertext at all"), 0600); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	got, err := store.Get(ctx, "anything")
	if err != nil {
		t.Fatalf("Get on garbage file should self-heal, got error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil credentials, got %+v", got)
	}
}

func TestFileStore_FlippedAuthTagReadsAsEmpty(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("victim")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := os.ReadFile(store.credentialsPath())
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		t.Fatalf("unexpected ciphertext layout: %q", raw)
	}

	// Flip one hex digit of the auth tag.
	tag := []byte(parts[1])
	if tag[0] == '0' {
		tag[0] = '1'
	} else {
		tag[0] = '0'
	}
	tampered := parts[0] + ":" + string(tag) + ":" + parts[2]
	if err := os.WriteFile(store.credentialsPath(), []byte(tampered), 0600); err != nil {
		t.Fatalf("writing tampered file: %v", err)
	}

	got, err := store.Get(ctx, "victim")
	if err != nil {
		t.Fatalf("Get on tampered file should self-heal, got error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil credentials after auth tag flip, got %+v", got)
	}
}

func TestFileStore_SetRecoversFromGarbage(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("before")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := os.WriteFile(store.credentialsPath(), []byte("garbage"), 0600); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	if err := store.Set(ctx, testCredentials("after")); err != nil {
		t.Fatalf("Set after corruption: %v", err)
	}

	got, err := store.Get(ctx, "after")
	if err != nil || got == nil {
		t.Fatalf("Get after recovery: creds=%v err=%v", got, err)
	}
}

func TestFileStore_GetAllSkipsInvalidEntries(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("good")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Inject an invalid record under the lock-free test path: load, break,
	// save through the internal helpers.
	store.mu.Lock()
	all, err := store.loadLocked(ctx)
	if err != nil {
		store.mu.Unlock()
		t.Fatalf("loadLocked: %v", err)
	}
	all["broken"] = &Credentials{ServerName: "broken"} // no token material
	if err := store.saveLocked(all); err != nil {
		store.mu.Unlock()
		t.Fatalf("saveLocked: %v", err)
	}
	store.mu.Unlock()

	result, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if _, ok := result["broken"]; ok {
		t.Error("GetAll returned an invalid entry")
	}
	if _, ok := result["good"]; !ok {
		t.Error("GetAll dropped a valid entry")
	}
}

func TestFileStore_Permissions(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("perm")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, path := range []string{store.credentialsPath(), store.masterKeyPath()} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s: expected permissions 0600, got %04o", filepath.Base(path), perm)
		}
	}
}
