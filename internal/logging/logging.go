// Package logging builds the zerolog loggers used across bluelines.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger writing to w. level is a zerolog level name
// ("debug", "info", ...); an empty level means info. format is "json" or
// "console"; an empty format means json.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q: must be json or console", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
