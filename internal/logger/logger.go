// Package logger provides structured logging setup for chatledger.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/chatledger/chatledger/internal/config"
)

// asyncChanSize buffers this many records before Handle starts dropping.
const asyncChanSize = 1024

// New creates a *slog.Logger from the given Logging config. Output is JSON
// to stdout with a "service" attribute on every record. The returned Closer
// flushes pending records; it is a no-op unless async mode is enabled.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		async := NewAsyncHandler(handler, asyncChanSize, 1)
		handler = async
		closer = async
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
