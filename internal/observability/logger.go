package observability

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates the process logger. Production writes JSON with source
// locations, other environments write text. level ("debug", "info", "warn",
// "error") overrides the environment default when set.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	production := cfg.Environment == "production"

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.LogLevel, production),
		AddSource: production,
	}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.ServiceName != "" {
		logger = logger.With(slog.String("service", cfg.ServiceName))
	}
	return logger
}

func parseLevel(level string, production bool) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if production {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
