package logging

import (
	"log/slog"
	"os"
)

// Init configures the default slog logger. The chat TUI owns the terminal,
// so logs go to stderr and default to errors only; LOG_LEVEL overrides.
func Init() {
	level := slog.LevelError

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		}
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}

// Component returns a logger tagged with the subsystem name, so per-peer
// negotiation logs can be filtered apart from relay transport logs.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
