package app

import (
	"io"
	"log/slog"
)

// newLogger builds the session logger from the validated configuration. The
// global default logger is left alone; every session carries its own
// instance through ctxlog.
func newLogger(cfg *Config, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
