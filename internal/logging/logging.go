// Package logging builds the process-wide zerolog logger. Components derive
// their own sub-loggers with logger.With().Str("component", ...).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the root logger. format is "json" or "console".
func New(level int, format string) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(writer).
		Level(zerolog.Level(level)).
		With().
		Timestamp().
		Logger()
}
