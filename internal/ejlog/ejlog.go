// Package ejlog wires up the process-wide log/slog logger. main constructs
// one Logger and passes it explicitly into the packages that own
// goroutines; those packages fall back to slog.Default() when none is
// passed.
package ejlog

import (
	"log/slog"
	"os"
)

// Options configures the root logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// JSON selects the slog.JSONHandler instead of the text handler.
	// ejd and ejb default to text and select JSON with --log-json.
	JSON bool
}

// New builds a *slog.Logger writing to stderr per Options.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
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
