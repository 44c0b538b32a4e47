// Package logger builds the structured loggers used across Bifrost.
// Loggers are created once in main and handed to components through their
// constructors; request-scoped loggers travel in the context.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// New returns a logger writing to os.Stdout.
func New(cfg *config.AppConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter returns a logger writing to w.
// Every record carries the service name, version and environment.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	validation.AssertNotNil(cfg, "logger", "config")

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.LogLevel),
		// Source locations are expensive; keep them out of production.
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

// ParseLevel converts a level name to slog.Level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Component returns a child logger tagged with the component name.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("component", name))
}
