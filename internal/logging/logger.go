// Package logging builds the driver's structured logger. Level and
// format selection follows the teacher's logging package; the
// per-session file fan-out does not carry over, since a driver
// connection has no session directory to write into — WithConnection
// scopes a logger to a connection with attributes instead.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing to stdout at the given level, using
// a JSON handler by default or a text handler when format is "text".
// The returned io.Closer is a no-op, kept so callers can shut a logger
// down uniformly even though stdout never needs closing.
func New(level, format string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), io.NopCloser(nil)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
