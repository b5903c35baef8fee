// Package logging configures botrelay's structured logging on top of zerolog.
//
// Every process logs one JSON object per line. Components derive a child logger
// with a fixed "component" field and tag notable events with an "event_type"
// field so log pipelines can filter on them.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json (default) or console
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the root logger for a process.
func New(cfg Config, service string) zerolog.Logger {
	return NewWithWriter(cfg, service, os.Stdout)
}

// NewWithWriter builds a root logger writing to w. Tests use it with a buffer.
func NewWithWriter(cfg Config, service string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"

	out := w
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}

	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Event starts an info-level event carrying an event_type field.
func Event(l *zerolog.Logger, eventType string) *zerolog.Event {
	return l.Info().Str("event_type", eventType)
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names mean info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
