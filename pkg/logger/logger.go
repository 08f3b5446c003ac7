// Package logger sets up the leveled log/slog sink used across the proxy.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below slog's built-in LevelDebug, for session lifecycle
// detail (accept, close, per-retry bookkeeping) that would otherwise drown
// out DEBUG-level messages.
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

// ParseLevel maps a config string (trace|debug|info|warn|error) onto a
// slog.Level, defaulting to INFO on an unrecognized value.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
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

// Setup builds a text-handler logger writing to stderr at the given level.
func Setup(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[lvl]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// Trace logs at LevelTrace.
func Trace(log *slog.Logger, msg string, args ...any) {
	log.Log(context.Background(), LevelTrace, msg, args...)
}
