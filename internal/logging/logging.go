// Package logging configures the structured logger shared by the planning layers.
package logging

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w. Plain output uses the console writer, json
// output emits one JSON object per line.
func New(w io.Writer, level string, plain bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if plain {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "2006-01-02 15:04:05",
			NoColor:    true,
		}
	}

	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name onto zerolog. Unknown names fall back to warn.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}

// WithContext attaches logger to ctx for retrieval with zerolog.Ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// ForComponent returns the context logger tagged with a component field.
func ForComponent(ctx context.Context, component string) zerolog.Logger {
	return zerolog.Ctx(ctx).With().Str("component", component).Logger()
}
