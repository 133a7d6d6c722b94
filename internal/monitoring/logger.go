package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger creates a structured logger configured for log aggregation.
//
// Output is JSON by default (Loki-compatible); "pretty" switches to a
// human-readable console writer for local development.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "coedit").
		Logger()
}

// RecoverPanic is a helper for goroutine panic recovery that logs but does not
// exit. Use in the defer block of every pump and bridge goroutine: a panic in
// one connection must not take down the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
