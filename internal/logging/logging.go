// Package logging builds the process logger from configuration.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/lmittmann/tint"

	"github.com/drewdunne/rebasebot/internal/config"
)

// Level maps a configured level name to a slog level. Unknown names map to
// info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
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

// NewHandler returns a colored text handler or a JSON handler writing to w.
func NewHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	level := Level(cfg.Level)

	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})
}

// Setup installs the configured logger as the slog default and attaches it
// to ctx for clog.FromContext.
func Setup(ctx context.Context, cfg config.LoggingConfig, w io.Writer) context.Context {
	logger := slog.New(NewHandler(cfg, w))
	slog.SetDefault(logger)
	return clog.WithLogger(ctx, clog.NewLogger(logger))
}
