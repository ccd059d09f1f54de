package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs the process logger. Level comes from the config or
// --log-level, then LOG_LEVEL, default info. Format is "json" (default) or
// "text".
func InitLogger(level, format string, w io.Writer) *slog.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Debug("logger initialized", "level", lvl.String())
	return logger
}
