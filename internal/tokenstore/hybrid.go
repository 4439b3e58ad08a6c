package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Selection identifies which backend a HybridStore resolved to.
type Selection string

const (
	SelectionUnresolved Selection = ""
	SelectionKeychain   Selection = "keychain"
	SelectionFile       Selection = "file"
)

// HybridConfig configures backend selection.
type HybridConfig struct {
	// Dir is the directory for the encrypted file backend.
	Dir string

	// Service is the keychain service name.
	Service string

	// ForceFile skips the keychain probe and binds to the file backend.
	ForceFile bool

	// Constructor overrides for tests.
	newKeychain func() (*KeychainStore, error)
	newFile     func() (*FileStore, error)
}

// HybridStore exposes the Store surface while deferring the choice of
// backend to first use. The keychain is preferred when its self-test passes;
// the encrypted file is the fallback. Resolution happens exactly once per
// instance: concurrent first callers share a single in-flight resolution via
// sync.OnceValues, and the chosen backend is never re-probed afterwards even
// if the keychain later becomes unavailable.
type HybridStore struct {
	resolve func() (resolution, error)

	mu       sync.Mutex
	resolved Selection
}

type resolution struct {
	store     Store
	selection Selection
}

// Compile-time check that HybridStore implements Store
var _ Store = (*HybridStore)(nil)

// NewHybridStore creates a HybridStore. No backend is constructed and no
// probe runs until the first operation.
func NewHybridStore(cfg HybridConfig) (*HybridStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if cfg.Service == "" {
		return nil, fmt.Errorf("keychain service cannot be empty")
	}

	if cfg.newKeychain == nil {
		cfg.newKeychain = func() (*KeychainStore, error) {
			return NewKeychainStore(cfg.Service)
		}
	}
	if cfg.newFile == nil {
		cfg.newFile = func() (*FileStore, error) {
			return NewFileStore(cfg.Dir)
		}
	}

	h := &HybridStore{}
	h.resolve = sync.OnceValues(func() (resolution, error) {
		res, err := h.pickBackend(cfg)
		if err == nil {
			h.mu.Lock()
			h.resolved = res.selection
			h.mu.Unlock()
		}
		return res, err
	})
	return h, nil
}

func (h *HybridStore) pickBackend(cfg HybridConfig) (resolution, error) {
	if !cfg.ForceFile {
		kc, err := cfg.newKeychain()
		if err == nil {
			if probeErr := kc.Available(); probeErr == nil {
				slog.Debug("credential storage resolved", "backend", SelectionKeychain)
				return resolution{store: kc, selection: SelectionKeychain}, nil
			} else {
				slog.Info("OS keychain unavailable, falling back to encrypted file storage", "error", probeErr)
			}
		} else {
			slog.Info("OS keychain backend could not be constructed, falling back to encrypted file storage", "error", err)
		}
	}

	fs, err := cfg.newFile()
	if err != nil {
		return resolution{}, fmt.Errorf("creating file storage backend: %w", err)
	}
	slog.Debug("credential storage resolved", "backend", SelectionFile)
	return resolution{store: fs, selection: SelectionFile}, nil
}

// Selection returns which backend this instance resolved to, or
// SelectionUnresolved if no operation has run yet.
func (h *HybridStore) Selection() Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved
}

func (h *HybridStore) backend() (Store, error) {
	res, err := h.resolve()
	if err != nil {
		return nil, err
	}
	return res.store, nil
}

// Get implements Store.
func (h *HybridStore) Get(ctx context.Context, serverName string) (*Credentials, error) {
	s, err := h.backend()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, serverName)
}

// Set implements Store.
func (h *HybridStore) Set(ctx context.Context, creds *Credentials) error {
	s, err := h.backend()
	if err != nil {
		return err
	}
	return s.Set(ctx, creds)
}

// Delete implements Store.
func (h *HybridStore) Delete(ctx context.Context, serverName string) error {
	s, err := h.backend()
	if err != nil {
		return err
	}
	return s.Delete(ctx, serverName)
}

// List implements Store.
func (h *HybridStore) List(ctx context.Context) ([]string, error) {
	s, err := h.backend()
	if err != nil {
		return nil, err
	}
	return s.List(ctx)
}

// GetAll implements Store.
func (h *HybridStore) GetAll(ctx context.Context) (map[string]*Credentials, error) {
	s, err := h.backend()
	if err != nil {
		return nil, err
	}
	return s.GetAll(ctx)
}

// ClearAll implements Store.
func (h *HybridStore) ClearAll(ctx context.Context) error {
	s, err := h.backend()
	if err != nil {
		return err
	}
	return s.ClearAll(ctx)
}
