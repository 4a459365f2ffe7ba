// Package logging constructs the application logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, everything else uses
// human-readable text at debug level. A nil writer defaults to stderr
// so log lines never interleave with the chat surface on stdout.
func New(env string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
