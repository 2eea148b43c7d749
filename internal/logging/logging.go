// Package logging configures slog and carries per-request loggers through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
)

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w in the given format.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	switch format {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	case FormatPretty:
		charmLevel, err := charmlog.ParseLevel(lvl.String())
		if err != nil {
			charmLevel = charmlog.InfoLevel
		}
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel,
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
}

type ctxKey struct{}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the context logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
