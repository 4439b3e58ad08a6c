package tokenstore

import (
	"context"
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func newTestKeychainStore(t *testing.T) *KeychainStore {
	t.Helper()
	keyring.MockInit()
	store, err := NewKeychainStore("authbridge-test")
	if err != nil {
		t.Fatalf("NewKeychainStore: %v", err)
	}
	return store
}

func TestKeychainStore_SelfTest(t *testing.T) {
	t.Run("passes against working keyring", func(t *testing.T) {
		store := newTestKeychainStore(t)
		if err := store.Available(); err != nil {
			t.Errorf("Available: %v", err)
		}
	})

	t.Run("fails and memoizes against broken keyring", func(t *testing.T) {
		keyring.MockInitWithError(errors.New("no secret service"))
		store, err := NewKeychainStore("authbridge-test")
		if err != nil {
			t.Fatalf("NewKeychainStore: %v", err)
		}

		first := store.Available()
		if first == nil {
			t.Fatal("expected self-test failure")
		}

		// The probe result is cached: a later recovery of the keyring must
		// not change the answer for this instance.
		keyring.MockInit()
		if second := store.Available(); !errors.Is(second, first) && second.Error() != first.Error() {
			t.Errorf("expected memoized failure, got %v", second)
		}
	})
}

func TestKeychainStore_RoundTrip(t *testing.T) {
	store := newTestKeychainStore(t)
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
	if got.UpdatedAt < original.UpdatedAt {
		t.Errorf("UpdatedAt not re-stamped: got %d", got.UpdatedAt)
	}
}

func TestKeychainStore_SanitizesServerNames(t *testing.T) {
	store := newTestKeychainStore(t)
	ctx := context.Background()

	name := "tools server@example.com/prod"
	creds := testCredentials(name)
	if err := store.Set(ctx, creds); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// The logical name keeps working as the lookup key.
	got, err := store.Get(ctx, name)
	if err != nil || got == nil {
		t.Fatalf("Get by logical name: creds=%v err=%v", got, err)
	}

	// The physical key only contains safe characters.
	sanitized := sanitizeServerName(name)
	if sanitized != "tools_server_example.com_prod" {
		t.Errorf("unexpected sanitization: %q", sanitized)
	}
	if _, err := keyring.Get("authbridge-test", sanitized); err != nil {
		t.Errorf("expected entry under sanitized key, got %v", err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != name {
		t.Errorf("List should return the logical name, got %v", names)
	}
}

func TestKeychainStore_ListExcludesReservedEntries(t *testing.T) {
	store := newTestKeychainStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("visible")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Leave a stray probe entry behind, as a crashed self-test would.
	if err := keyring.Set("authbridge-test", probePrefix+"stray", "x"); err != nil {
		t.Fatalf("planting probe entry: %v", err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "visible" {
		t.Errorf("expected only the real entry, got %v", names)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected one credential, got %d", len(all))
	}
}

func TestKeychainStore_DeleteMissing(t *testing.T) {
	store := newTestKeychainStore(t)

	err := store.Delete(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKeychainStore_ClearAllIdempotent(t *testing.T) {
	store := newTestKeychainStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, testCredentials("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, testCredentials("b")); err != nil {
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
		t.Errorf("expected empty list after ClearAll, got %v", names)
	}
}

func TestKeychainStore_CorruptEntry(t *testing.T) {
	store := newTestKeychainStore(t)
	ctx := context.Background()

	if err := keyring.Set("authbridge-test", "broken", "{not json"); err != nil {
		t.Fatalf("planting corrupt entry: %v", err)
	}

	_, err := store.Get(ctx, "broken")
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Errorf("expected CorruptionError, got %v", err)
	}
}
