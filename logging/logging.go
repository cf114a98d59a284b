// Package logging configures the process-wide zerolog logger: a console
// writer in development, a level resolved from configuration rather than
// hardcoded.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. env selects the writer
// (development gets a human-readable console writer; anything else gets
// structured JSON to stdout, suitable for log aggregation). level is
// parsed with zerolog.ParseLevel; an unrecognized or empty value falls
// back to info, or debug when env is "development".
func New(env, level string) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if env == "development" {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl := zerolog.InfoLevel
	if env == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).With().Timestamp().Logger()
}
