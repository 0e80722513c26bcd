// Package logging builds the zerolog logger used throughout the channel
// server, switching between JSON (production/Loki) and pretty console
// (local development) output.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's verbosity and output shape.
type Config struct {
	Level  string // debug|info|warn|error|fatal
	Format string // json|console
}

// New builds a zerolog.Logger tagged with the service name, a timestamp and
// caller information — the same shape every component in this repository
// expects to receive.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "channelserver").
		Logger()
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogPanic logs a recovered panic with a stack trace. Intended for use in a
// deferred recover() at the top of every worker goroutine.
func LogPanic(logger zerolog.Logger, recovered any, msg string, fields map[string]any) {
	event := logger.Error().
		Interface("panic_value", recovered).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
