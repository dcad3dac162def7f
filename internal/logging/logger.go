package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured zerolog.Logger writing to stderr. Format
// "console" selects human readable output; anything else emits JSON.
func NewLogger(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New is NewLogger with an explicit writer.
func New(w io.Writer, level, format string) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).With().Timestamp().Str("service", "cronwatch").Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}
