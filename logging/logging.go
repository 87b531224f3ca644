// Package logging provides the structured logger the pipeline package's
// executor writes its step lifecycle lines to. It wraps zerolog rather than
// hand-rolling level filtering and field encoding.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	global     zerolog.Logger
	globalOnce sync.Once
	globalMu   sync.RWMutex
)

// defaultLogger builds the package's fallback logger: info level, console
// writer, so a host that never calls SetGlobal still sees step lifecycle
// output instead of silence.
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// Global returns the process-wide logger, initializing it to
// defaultLogger on first use.
func Global() zerolog.Logger {
	globalOnce.Do(func() {
		globalMu.Lock()
		global = defaultLogger()
		globalMu.Unlock()
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetGlobal installs logger as the process-wide logger returned by
// Global. Call once at host startup, before any pipeline runs.
func SetGlobal(logger zerolog.Logger) {
	globalOnce.Do(func() {})
	globalMu.Lock()
	global = logger
	globalMu.Unlock()
}

// New builds a logger writing JSON lines to w at the given level, for
// hosts that want structured output instead of the console-formatted
// default (e.g. shipping to a log aggregator).
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel parses a level name ("debug", "info", "warn", "error",
// "disabled") falling back to info on an unrecognized value.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithCorrelationID returns a child logger annotating every subsequent
// log line with the execution's correlation id, so log lines from
// concurrent pipeline runs can be told apart.
func WithCorrelationID(logger zerolog.Logger, correlationID string) zerolog.Logger {
	return logger.With().Str("correlation_id", correlationID).Logger()
}

// WithStep returns a child logger annotating log lines with the
// currently executing step's path.
func WithStep(logger zerolog.Logger, stepPath string) zerolog.Logger {
	return logger.With().Str("step", stepPath).Logger()
}
