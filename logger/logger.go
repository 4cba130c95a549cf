// Package logger wraps log/slog with a process-wide handler and a per
// connection request id carried on the context.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type contextKey string

const requestIDKey contextKey = "request_id"

var (
	base *slog.Logger
	once sync.Once
)

// Init installs the global handler at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"). The first call wins.
func Init(level string) {
	once.Do(func() {
		var lv slog.Level
		switch strings.ToUpper(level) {
		case "DEBUG":
			lv = slog.LevelDebug
		case "INFO":
			lv = slog.LevelInfo
		case "WARN":
			lv = slog.LevelWarn
		case "ERROR":
			lv = slog.LevelError
		default:
			lv = slog.LevelInfo
		}
		base = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
	})
}

// Get returns the global logger, installing the default level if Init has
// not run.
func Get() *slog.Logger {
	if base == nil {
		Init("INFO")
	}
	return base
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request id, or zero.
func RequestID(ctx context.Context) uint64 {
	if v, ok := ctx.Value(requestIDKey).(uint64); ok {
		return v
	}
	return 0
}

// For returns the global logger enriched with the context's request id.
func For(ctx context.Context) *slog.Logger {
	l := Get()
	if id := RequestID(ctx); id != 0 {
		return l.With("request_id", id)
	}
	return l
}

// LogAttrs logs through the context-aware logger.
func LogAttrs(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	For(ctx).LogAttrs(ctx, level, msg, attrs...)
}
