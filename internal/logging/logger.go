// Package logging provides structured logging for the runtime and forwards
// child process output into it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	// Format is "json" (the default) or "text".
	Format string
	// Level is debug, info, warn or error. Unknown values mean info.
	Level string
	// Verbose forces debug level.
	Verbose bool
	// InstanceID, when set, is attached to every record as instance_id.
	InstanceID string
	// Output defaults to stderr.
	Output io.Writer
}

// New builds the runtime logger. Records go to stderr so the host's log
// pipeline collects them alongside the worker output.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := ParseLevel(opts.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.InstanceID != "" {
		logger = logger.With("instance_id", opts.InstanceID)
	}
	return logger
}

// ParseLevel accepts the slog level names in any case, plus "warning".
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
