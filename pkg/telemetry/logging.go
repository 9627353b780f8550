package telemetry

import (
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/tether/pkg/config"
	"github.com/rs/zerolog"
)

// NewLogger builds the base logger for a binary. Unknown levels fall back to info.
func NewLogger(cfg config.LoggingConfig, out io.Writer, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
}
