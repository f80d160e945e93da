// Package diag provides the structured logging used by the event store and
// projection engine for recovery, rebuild, and daemon diagnostics.
package diag

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the store actually emits.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the package-level logger created by Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide logger. Init replaces it; until Init is
// called it discards everything so library use without explicit setup
// stays silent rather than writing to stdout unexpectedly.
var Logger = zerolog.New(io.Discard)

// Init installs the package-level logger per cfg.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
