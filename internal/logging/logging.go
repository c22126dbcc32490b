// Package logging provides structured logging for the adsync application.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports text and JSON
// output, configurable log levels, component loggers and run-scoped context
// values (run id, sync type, change id).
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, logging.FormatAuto)
//
//	// Get a component logger
//	log := logging.Component("sync")
//	log.Info("full sync started", "type", "user")
//
//	// Log with run context
//	logging.WithContext(ctx).Warn("modify failed", "object", name, "error", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Output formats accepted by Init.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// FormatAuto writes text when stderr is a terminal and JSON otherwise.
func Init(level slog.Level, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, format string) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if format == FormatAuto || format == "" {
		format = FormatJSON
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = FormatText
		}
	}

	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a configured level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ValidFormat reports whether s is an accepted output format.
func ValidFormat(s string) bool {
	switch s {
	case "", FormatAuto, FormatText, FormatJSON:
		return true
	}
	return false
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("quicksync")
//	log.Info("replay started") // Output: time=... level=INFO component=quicksync msg="replay started"
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger that includes the run values stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	return FromContext(ctx, Logger)
}

// FromContext decorates base with the run values stored in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base

	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		logger = logger.With("run_id", runID)
	}
	if syncType, ok := ctx.Value(contextKeySyncType).(string); ok {
		logger = logger.With("sync_type", syncType)
	}
	if changeID, ok := ctx.Value(contextKeyChangeID).(int64); ok {
		logger = logger.With("change_id", changeID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyRunID contextKey = iota
	contextKeySyncType
	contextKeyChangeID
)

// ContextWithRunID adds the run id to the context for logging.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// ContextWithSyncType adds the sync type name to the context for logging.
func ContextWithSyncType(ctx context.Context, syncType string) context.Context {
	return context.WithValue(ctx, contextKeySyncType, syncType)
}

// ContextWithChangeID adds the change event id being replayed.
func ContextWithChangeID(ctx context.Context, changeID int64) context.Context {
	return context.WithValue(ctx, contextKeyChangeID, changeID)
}

// RunID returns the run id stored in ctx, if any.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRunID).(string)
	return id
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, FormatAuto)
	}
	Logger.Error(msg, args...)
}
