// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing a human-friendly console format in
// dev mode and compact JSON otherwise, matching how saiputravu-Exchange's
// server pins level/format once at startup.
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
