// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg Config, w io.Writer) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// passIDKey is the context key for pass correlation IDs.
type passIDKey struct{}

// WithPassID adds a pass correlation ID to the context.
func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey{}, id)
}

// PassID retrieves the pass correlation ID from context.
func PassID(ctx context.Context) string {
	if id, ok := ctx.Value(passIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewPassID creates a new unique pass ID.
func NewPassID() string {
	return uuid.NewString()
}

// PassLogger creates a logger carrying pass context fields.
func PassLogger(passID string, attempt, maxAttempts int, referenceSlot uint64) *slog.Logger {
	return slog.With(
		"pass_id", passID,
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"reference_slot", referenceSlot,
	)
}

// CandidateLogger derives a logger for a single endpoint.
func CandidateLogger(base *slog.Logger, address string) *slog.Logger {
	return base.With("address", address)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// WorkerLogger creates a logger for a probe worker.
func WorkerLogger(workerID int) *slog.Logger {
	return slog.With("component", "probe", "worker_id", workerID)
}
