package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/authbridge/internal/auth"
	"github.com/florianilch/authbridge/internal/toolserver"
)

// App orchestrates the lifecycle of the tool server and the session manager.
type App struct {
	cfg     *Config
	manager *auth.Manager
	tools   *toolserver.Server
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// I/O deferred: the store only touches disk/keychain on first use.
	store, err := cfg.Auth.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	manager, err := auth.NewManager(cfg.Auth.ManagerConfig(), store)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	tools, err := toolserver.New(manager)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool server: %w", err)
	}

	return &App{
		cfg:     cfg,
		manager: manager,
		tools:   tools,
	}, nil
}

// Manager exposes the session manager for command-line operations that run
// without the server.
func (a *App) Manager() *auth.Manager {
	return a.manager
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection
// for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting tool server", "address", address)
	toolsErrCh, err := a.tools.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("tool server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.tools.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-toolsErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "tool server runtime error", "error", err)
				return fmt.Errorf("tool server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// ServeStdio speaks the tool protocol over stdin/stdout and blocks until the
// context is cancelled or the peer disconnects.
func (a *App) ServeStdio(ctx context.Context) error {
	return a.tools.ServeStdio(ctx, os.Stdin, os.Stdout)
}
