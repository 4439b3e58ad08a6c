package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/authbridge/internal/app"
	"github.com/florianilch/authbridge/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "authbridge",
		Usage: "OAuth credential manager and local tool server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			logoutCommand(),
			statusCommand(),
			refreshCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the tool server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (auto|text|json|otlp|otlp-grpc|otlp-stdout)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.BoolFlag{
				Name:  "stdio",
				Usage: "serve the tool protocol over stdin/stdout instead of HTTP",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "starting")

	if cmd.Bool("stdio") {
		if err := application.ServeStdio(ctx); err != nil {
			return fmt.Errorf("stdio server failed: %w", err)
		}
	} else {
		if err := application.Start(ctx); err != nil {
			return fmt.Errorf("app failed to start: %w", err)
		}
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "authenticate, launching the browser flow if needed",
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	if _, err := application.Manager().GetAuthenticatedClient(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	return printStatus(ctx, application)
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "delete the stored session",
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	if err := application.Manager().ClearAuth(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	fmt.Println("Signed out; stored credentials deleted.")
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show the current authentication state",
		Action: statusAction,
	}
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	return printStatus(ctx, application)
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:   "refresh",
		Usage:  "force a token refresh through the exchange endpoint",
		Action: refreshAction,
	}
}

func refreshAction(ctx context.Context, cmd *cli.Command) error {
	application, err := setup(ctx, cmd)
	if err != nil {
		return err
	}

	tok, err := application.Manager().RefreshToken(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if tok.Expiry.IsZero() {
		fmt.Println("Token refreshed.")
	} else {
		fmt.Printf("Token refreshed; valid until %s.\n", tok.Expiry.Format(time.RFC3339))
	}
	return nil
}

// setup loads configuration, installs the logger and builds the application.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}
	return application, nil
}

// printStatus writes the session status as JSON to stdout.
func printStatus(ctx context.Context, application *app.App) error {
	status, err := application.Manager().Status(ctx)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
