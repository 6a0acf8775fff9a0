package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"pdf-vector-ingest/internal/config"
)

var Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) {
	Logger = New(os.Stdout, cfg)
	slog.SetDefault(Logger)
	Logger.Debug("Structured logging initialized", "level", levelFor(cfg).String(), "format", cfg.LogFormat)
}

// New builds a logger writing to w. LOG_LEVEL wins over GIN_MODE; debug mode
// also adds source locations.
func New(w io.Writer, cfg *config.Config) *slog.Logger {
	level := levelFor(cfg)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func levelFor(cfg *config.Config) slog.Level {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	if cfg.GinMode == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// With returns a child logger tagged with a component name.
func With(component string) *slog.Logger {
	return Logger.With("component", component)
}

// Helper functions for common log operations
func Info(msg string, args ...any) {
	if Logger != nil {
		Logger.Info(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Logger != nil {
		Logger.Error(msg, args...)
	}
}

func Debug(msg string, args ...any) {
	if Logger != nil {
		Logger.Debug(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Logger != nil {
		Logger.Warn(msg, args...)
	}
}
