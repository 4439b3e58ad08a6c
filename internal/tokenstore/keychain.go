package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
)

const (
	// probePrefix marks self-test entries. Probe entries never enter the
	// index and are excluded from enumeration.
	probePrefix = "__probe-"

	// indexEntry is the reserved keyring account holding the name index.
	// go-keyring cannot enumerate a service's entries, so the index maps
	// sanitized account names back to logical server names.
	indexEntry = "__index"
)

// keyringSanitizer reduces server names to the character set the keychain
// key-space tolerates. Everything else becomes '_'.
var keyringSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// KeychainStore persists credentials in the OS-native secure credential
// store via go-keyring. Availability is established by a write/read/delete
// self-test whose result is cached for the instance's lifetime.
type KeychainStore struct {
	service string

	selfTest func() error

	mu sync.Mutex // guards index read-modify-write cycles
}

// Compile-time check that KeychainStore implements Store
var _ Store = (*KeychainStore)(nil)

// NewKeychainStore creates a KeychainStore for the given service identifier.
// No keychain access happens until the first operation or Available call.
func NewKeychainStore(service string) (*KeychainStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	k := &KeychainStore{
		service: service,
	}
	k.selfTest = sync.OnceValue(k.runSelfTest)
	return k, nil
}

// Available reports whether the OS keychain works on this machine. The probe
// runs at most once; the memoized result is returned on later calls.
func (k *KeychainStore) Available() error {
	return k.selfTest()
}

// runSelfTest writes a randomly named probe entry, reads it back and deletes
// it. All three steps must succeed with a byte-exact round-trip.
func (k *KeychainStore) runSelfTest() error {
	probe := probePrefix + uuid.NewString()

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating probe value: %w", err)
	}
	value := hex.EncodeToString(nonce)

	if err := keyring.Set(k.service, probe, value); err != nil {
		return fmt.Errorf("keychain probe write failed: %w", err)
	}
	got, err := keyring.Get(k.service, probe)
	if err != nil {
		return fmt.Errorf("keychain probe read failed: %w", err)
	}
	if got != value {
		return fmt.Errorf("keychain probe round-trip mismatch")
	}
	if err := keyring.Delete(k.service, probe); err != nil {
		return fmt.Errorf("keychain probe delete failed: %w", err)
	}
	return nil
}

// Get returns the credentials for serverName, or nil if none are stored.
func (k *KeychainStore) Get(ctx context.Context, serverName string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := keyring.Get(k.service, sanitizeServerName(serverName))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, &CorruptionError{Err: err}
	}
	return &creds, nil
}

// Set validates and persists the record, re-stamping UpdatedAt.
func (k *KeychainStore) Set(ctx context.Context, creds *Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	record := creds.clone()
	record.UpdatedAt = nowMillis()

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	key := sanitizeServerName(record.ServerName)
	if err := keyring.Set(k.service, key, string(raw)); err != nil {
		return err
	}

	return k.updateIndexLocked(ctx, func(index map[string]string) {
		index[key] = record.ServerName
	})
}

// Delete removes the credentials for serverName.
func (k *KeychainStore) Delete(ctx context.Context, serverName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	key := sanitizeServerName(serverName)
	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("server %q: %w", serverName, ErrNotFound)
	}
	if err != nil {
		return err
	}

	return k.updateIndexLocked(ctx, func(index map[string]string) {
		delete(index, key)
	})
}

// List returns the names of all servers with stored credentials, sorted.
// Probe and index entries are reserved names and never appear here.
func (k *KeychainStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	index, err := k.readIndexLocked(ctx)
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(index))
	for _, name := range index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetAll returns all stored credentials. Entries that fail to load or
// validate are skipped and logged.
func (k *KeychainStore) GetAll(ctx context.Context) (map[string]*Credentials, error) {
	names, err := k.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Credentials, len(names))
	for _, name := range names {
		creds, err := k.Get(ctx, name)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable keychain entry", "server", name, "error", err)
			continue
		}
		if creds == nil {
			continue
		}
		if err := creds.Validate(); err != nil {
			slog.WarnContext(ctx, "skipping invalid keychain entry", "server", name, "error", err)
			continue
		}
		result[name] = creds
	}
	return result, nil
}

// ClearAll deletes every indexed entry one at a time. Per-entry failures are
// collected and returned together so the caller sees the full blast radius
// of a partial clear. Idempotent when nothing is stored.
func (k *KeychainStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	index, err := k.readIndexLocked(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for key, name := range index {
		err := keyring.Delete(k.service, key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			errs = append(errs, fmt.Errorf("deleting %q: %w", name, err))
			continue
		}
		delete(index, key)
	}

	if err := k.writeIndexLocked(index); err != nil {
		errs = append(errs, fmt.Errorf("updating index: %w", err))
	}

	return errors.Join(errs...)
}

// readIndexLocked loads the reserved index entry. A missing or unparseable
// index reads back empty; the index is rebuilt on subsequent writes.
func (k *KeychainStore) readIndexLocked(ctx context.Context) (map[string]string, error) {
	raw, err := keyring.Get(k.service, indexEntry)
	if errors.Is(err, keyring.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var index map[string]string
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		slog.WarnContext(ctx, "keychain index is unparseable, treating as empty", "error", err)
		return map[string]string{}, nil
	}
	if index == nil {
		index = map[string]string{}
	}
	return index, nil
}

func (k *KeychainStore) writeIndexLocked(index map[string]string) error {
	if len(index) == 0 {
		err := keyring.Delete(k.service, indexEntry)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}
	return keyring.Set(k.service, indexEntry, string(raw))
}

func (k *KeychainStore) updateIndexLocked(ctx context.Context, mutate func(map[string]string)) error {
	index, err := k.readIndexLocked(ctx)
	if err != nil {
		return err
	}
	mutate(index)
	return k.writeIndexLocked(index)
}

// sanitizeServerName maps a logical server name onto the keychain's stricter
// key-space.
func sanitizeServerName(name string) string {
	return keyringSanitizer.ReplaceAllString(name, "_")
}
