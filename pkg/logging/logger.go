// Package logging builds the zerolog loggers used by the server and client.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console logger with the given level string (debug, info, warn, error).
// A nil writer logs to stdout.
func New(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if w == nil {
		w = os.Stdout
	}

	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000000",
		NoColor:    w != io.Writer(os.Stdout),
	}

	return zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, for tests
func Discard() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
