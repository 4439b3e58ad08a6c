// Package observability wires the process-wide slog logger to the configured
// output: plain text or JSON on stderr for local use, or an OTLP pipeline for
// environments that collect logs centrally.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"golang.org/x/term"
)

const loggerName = "github.com/florianilch/authbridge"

// loggerProvider is kept for flushing at shutdown when an OTLP pipeline is
// active.
var loggerProvider *sdklog.LoggerProvider

// Instrument installs the default slog logger for the given level and format.
//
// Logs always go to stderr: stdout may carry the tool protocol when running
// in stdio mode. Format "auto" picks text on a terminal and json otherwise.
func Instrument(level slog.Level, format string) error {
	switch format {
	case "auto":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
		return Instrument(level, format)
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	case "otlp", "otlp-grpc", "otlp-stdout":
		exporter, err := newExporter(context.Background(), format)
		if err != nil {
			return fmt.Errorf("creating log exporter: %w", err)
		}

		processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))
		loggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

		slog.SetDefault(slog.New(otelslog.NewHandler(loggerName, otelslog.WithLoggerProvider(loggerProvider))))
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}

	return nil
}

// Shutdown flushes and stops the OTLP pipeline, if one was installed.
func Shutdown(ctx context.Context) error {
	if loggerProvider == nil {
		return nil
	}
	return loggerProvider.Shutdown(ctx)
}

func newExporter(ctx context.Context, format string) (sdklog.Exporter, error) {
	switch format {
	case "otlp":
		return otlploghttp.New(ctx)
	case "otlp-grpc":
		return otlploggrpc.New(ctx)
	case "otlp-stdout":
		return stdoutlog.New()
	default:
		return nil, fmt.Errorf("no exporter for format %s", format)
	}
}

func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
