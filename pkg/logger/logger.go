// Package logger configures the zerolog logger shared by all components.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// New returns a JSON logger tagged with the service name. An unknown level
// falls back to info.
func New(service, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Component derives a child logger for one subsystem.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Critical starts an error-level event flagged for operator attention.
func Critical(l *zerolog.Logger) *zerolog.Event {
	return l.Error().Bool("critical", true)
}
