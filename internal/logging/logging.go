// Package logging constructs the structured logger threaded through every
// component of the event server.
package logging

import (
	"log/slog"
	"os"
)

// New constructs a *slog.Logger that writes JSON-structured log records to
// stderr at the requested minimum level. Unrecognized levels fall back to
// info.
func New(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
