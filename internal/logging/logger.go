// Package logging builds the slog loggers the binaries and the library
// packages share.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns the worker's logger. Output goes to stderr so stdout stays
// clean for command output, and the "error" attribute key is normalized
// to "err" regardless of what the call site used.
func New(level slog.Level) *slog.Logger {
	return NewAt(os.Stderr, level)
}

// NewAt is New with an explicit destination, for tests that capture output.
func NewAt(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: normalizeAttrs,
	}))
}

// NewNop returns a logger that drops everything, the default for every
// component constructed without WithLogger.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func normalizeAttrs(_ []string, a slog.Attr) slog.Attr {
	if a.Key == "error" {
		a.Key = "err"
	}
	return a
}
