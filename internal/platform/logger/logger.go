// Package logger provides the structured logging wrapper shared by every
// component of the orchestration core.
package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with contextual fields used across the graph
// engine, saga orchestrator, realtime fabric and resilience layer.
type Logger struct {
	*slog.Logger
}

// New creates a new logger. format "json" selects slog's JSON handler for
// production; anything else uses tint's colorized console handler.
func New(level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))}
}

type ctxKey string

const (
	correlationIDKey ctxKey = "correlation_id"
	sagaIDKey        ctxKey = "saga_id"
	connectionIDKey  ctxKey = "connection_id"
)

// WithCorrelationID attaches a correlation id to a context for downstream loggers.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithSagaID attaches a saga id to a context for downstream loggers.
func WithSagaID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sagaIDKey, id)
}

// WithConnectionID attaches a connection id to a context for downstream loggers.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

// WithContext returns a logger enriched with whichever of correlation_id,
// saga_id, connection_id are present on ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l
	if v := ctx.Value(correlationIDKey); v != nil {
		out = &Logger{Logger: out.Logger.With("correlation_id", v)}
	}
	if v := ctx.Value(sagaIDKey); v != nil {
		out = &Logger{Logger: out.Logger.With("saga_id", v)}
	}
	if v := ctx.Value(connectionIDKey); v != nil {
		out = &Logger{Logger: out.Logger.With("connection_id", v)}
	}
	return out
}

// With returns a logger with additional structured fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
