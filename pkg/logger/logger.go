// Package logger provides structured logging with context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	cycleIDKey contextKey = "cycle_id"
	sourceKey  contextKey = "source"
)

// Config holds the logger configuration.
type Config struct {
	Level     string    `yaml:"level"`  // "debug", "info", "warn", "error"
	Format    string    `yaml:"format"` // "json" or "text"
	Output    io.Writer `yaml:"-"`
	AddSource bool      `yaml:"add_source"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}
}

// New creates a slog.Logger with the given configuration.
// Ingestion output may go to stdout, so logs default to stderr.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FromContext returns l enriched with the cycle and source carried by ctx.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	attrs := []any{}

	if cycleID := CycleIDFromContext(ctx); cycleID != "" {
		attrs = append(attrs, "cycle_id", cycleID)
	}
	if source := SourceFromContext(ctx); source != "" {
		attrs = append(attrs, "source", source)
	}

	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// ContextWithCycleID adds an ingestion cycle ID to the context.
func ContextWithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// ContextWithSource adds the name of the source being processed to the context.
func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// CycleIDFromContext extracts the cycle ID from context.
func CycleIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(cycleIDKey).(string); ok {
		return v
	}
	return ""
}

// SourceFromContext extracts the source name from context.
func SourceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey).(string); ok {
		return v
	}
	return ""
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
