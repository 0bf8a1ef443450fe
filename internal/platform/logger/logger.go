package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout. Components receive it via
// functional options so tests can swap in slog.Default or a discard handler.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
