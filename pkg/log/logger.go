// Package log provides structured logging utilities for btcwrap.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/logrotate/rotator"
)

// LevelCritical sits above slog's error level and is reported as CRITICAL.
const LevelCritical = slog.Level(12)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values fall back
// to warning.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return slog.LevelWarn
	}
}

// New creates a new logger writing to out. A nil out discards all output.
func New(service, version, level, format string, out io.Writer) *Logger {
	if out == nil {
		out = io.Discard
	}

	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New("nop", "", "critical", "text", io.Discard)
}

// Output opens the log destination. With a log file, records go through a
// size-based rotator keeping three rolls; verbose also mirrors them to
// stderr. Without a log file, records go to stderr. Standard output is
// never used, it carries the command's result.
//
// The returned close function must be called on shutdown.
func Output(logFile string, verbose bool, stderr io.Writer) (io.Writer, func() error, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	if logFile == "" {
		return stderr, func() error { return nil }, nil
	}

	if dir := filepath.Dir(logFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}

	if verbose {
		return io.MultiWriter(r, stderr), r.Close, nil
	}
	return r, r.Close, nil
}

// WithContext returns a logger carrying the request id stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := RequestID(ctx); ok {
		return l.WithFields("request_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithCommand returns a logger with the invoked command and RPC method.
func (l *Logger) WithCommand(command, method string) *Logger {
	return l.WithFields("command", command, "method", method)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Critical logs at LevelCritical.
func (l *Logger) Critical(msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
}

// LogDuration logs the duration of an operation at debug level
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogRPCAttempt logs a failed RPC attempt that will be retried.
func (l *Logger) LogRPCAttempt(endpoint string, attempt int, err error, delayMS int64) {
	l.Warn("rpc attempt failed, retrying",
		"endpoint", endpoint,
		"attempt", attempt,
		"retry_in_ms", delayMS,
		"error", err,
	)
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id for WithContext to pick up.
func ContextWithRequestID(ctx context.Context, id any) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx.
func RequestID(ctx context.Context) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	id := ctx.Value(requestIDKey{})
	return id, id != nil
}
