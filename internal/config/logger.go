package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes the structured logger based on configuration
func InitLogger(cfg *Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))

	slog.Info("Logger initialized",
		"level", cfg.LogLevel,
		"format", cfg.LogFormat,
		"compute_slots", len(cfg.ComputeSlots),
	)
}
