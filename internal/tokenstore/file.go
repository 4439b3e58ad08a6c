package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	credentialsFileName = "credentials.enc"
	masterKeyFileName   = "credentials.key"

	// gcmNonceSize is the per-write IV length. The stored layout is
	// hex(iv):hex(tag):hex(ciphertext).
	gcmNonceSize = 16
	gcmTagSize   = 16

	masterKeyBytes = 32

	// scrypt parameters for deriving the encryption key from the master key
	// and the machine-specific salt.
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// FileStore persists all credentials as a single encrypted JSON document.
// The AES-256-GCM key is derived from a locally generated master key combined
// with a machine-specific salt (hostname + username), so the file is not
// portable across machines or accounts.
type FileStore struct {
	dir string

	mu sync.Mutex
}

// Compile-time check that FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating the directory with
// 0700 permissions if it does not exist. The master key is created lazily on
// the first write.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		dir: dir,
	}, nil
}

// Get returns the credentials for serverName, or nil if none are stored.
func (f *FileStore) Get(ctx context.Context, serverName string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return all[serverName].clone(), nil
}

// Set validates and persists the record, re-stamping UpdatedAt.
func (f *FileStore) Set(ctx context.Context, creds *Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.loadLocked(ctx)
	if err != nil {
		// A corrupt container cannot be repaired; start over rather than
		// blocking all future writes.
		var corrupt *CorruptionError
		if !errors.As(err, &corrupt) {
			return err
		}
		slog.WarnContext(ctx, "replacing corrupt credential file", "error", err)
		all = map[string]*Credentials{}
	}

	record := creds.clone()
	record.UpdatedAt = nowMillis()
	all[record.ServerName] = record

	return f.saveLocked(all)
}

// Delete removes the credentials for serverName.
// Deleting the last remaining entry removes the credential file entirely.
func (f *FileStore) Delete(ctx context.Context, serverName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.loadLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[serverName]; !ok {
		return fmt.Errorf("server %q: %w", serverName, ErrNotFound)
	}
	delete(all, serverName)

	return f.saveLocked(all)
}

// List returns the names of all servers with stored credentials, sorted.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	all, err := f.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetAll returns all stored credentials. Invalid entries are skipped and
// logged so that one bad record cannot take down enumeration.
func (f *FileStore) GetAll(ctx context.Context) (map[string]*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Credentials, len(all))
	for name, creds := range all {
		if err := creds.Validate(); err != nil {
			slog.WarnContext(ctx, "skipping invalid stored credentials", "server", name, "error", err)
			continue
		}
		result[name] = creds.clone()
	}
	return result, nil
}

// ClearAll removes the credential file. The master key is kept so that
// future writes do not force a new key. Idempotent.
func (f *FileStore) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.credentialsPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileStore) credentialsPath() string {
	return filepath.Join(f.dir, credentialsFileName)
}

func (f *FileStore) masterKeyPath() string {
	return filepath.Join(f.dir, masterKeyFileName)
}

// loadLocked reads and decrypts the whole credential document.
//
// A missing file reads back as an empty map. A malformed container or a
// failed decryption (flipped auth tag, wrong key) also reads back empty and
// is logged as corruption: stored credentials are recoverable through
// re-authentication, so corruption must never wedge the caller. Only a JSON
// parse failure after successful decryption is surfaced as *CorruptionError,
// and any other I/O error is propagated as-is.
func (f *FileStore) loadLocked(ctx context.Context) (map[string]*Credentials, error) {
	data, err := os.ReadFile(f.credentialsPath())
	if os.IsNotExist(err) {
		return map[string]*Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}

	key, err := f.deriveKey(false)
	if err != nil {
		if os.IsNotExist(err) {
			slog.WarnContext(ctx, "credential file exists but master key is missing, treating as empty")
			return map[string]*Credentials{}, nil
		}
		return nil, err
	}

	plaintext, err := decrypt(key, strings.TrimSpace(string(data)))
	if err != nil {
		slog.WarnContext(ctx, "credential file is undecryptable, treating as empty", "error", err)
		return map[string]*Credentials{}, nil
	}

	var all map[string]*Credentials
	if err := json.Unmarshal(plaintext, &all); err != nil {
		return nil, &CorruptionError{Err: err}
	}
	if all == nil {
		all = map[string]*Credentials{}
	}
	return all, nil
}

// saveLocked encrypts and atomically writes the whole credential document.
// An empty document removes the file instead.
func (f *FileStore) saveLocked(all map[string]*Credentials) error {
	if len(all) == 0 {
		err := os.Remove(f.credentialsPath())
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	plaintext, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	key, err := f.deriveKey(true)
	if err != nil {
		return err
	}

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}

	return f.writeFileAtomic(f.credentialsPath(), []byte(ciphertext))
}

// writeFileAtomic writes via temp file + rename for crash safety and sets
// owner-only permissions.
func (f *FileStore) writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(f.dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	return os.Rename(tempName, path)
}

// deriveKey loads the master key and stretches it with a machine-specific
// salt. With create set, a missing master key is generated on the spot;
// otherwise os.ErrNotExist is returned so the caller can distinguish
// "never written" from real failures.
func (f *FileStore) deriveKey(create bool) ([]byte, error) {
	master, err := os.ReadFile(f.masterKeyPath())
	if os.IsNotExist(err) {
		if !create {
			return nil, err
		}
		master, err = f.generateMasterKey()
	}
	if err != nil {
		return nil, err
	}

	key, err := scrypt.Key(master, machineSalt(), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	return key, nil
}

func (f *FileStore) generateMasterKey() ([]byte, error) {
	raw := make([]byte, masterKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	encoded := []byte(hex.EncodeToString(raw))
	if err := f.writeFileAtomic(f.masterKeyPath(), encoded); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	return encoded, nil
}

// machineSalt binds the derived key to this machine and account.
func machineSalt() []byte {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return []byte(hostname + ":" + username)
}

// encrypt seals plaintext as hex(iv):hex(tag):hex(ciphertext) with a freshly
// generated IV.
func encrypt(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// decrypt reverses encrypt, authenticating the tag in the process.
func decrypt(key []byte, stored string) ([]byte, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed ciphertext: expected iv:tag:data, got %d segments", len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed iv: %w", err)
	}
	if len(iv) != gcmNonceSize {
		return nil, fmt.Errorf("malformed iv: expected %d bytes, got %d", gcmNonceSize, len(iv))
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed auth tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, gcmNonceSize)
}
