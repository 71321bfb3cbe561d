package logging

import (
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvVarLogLevel is the environment variable name for setting the log level.
	EnvVarLogLevel = "LOG_LEVEL"
)

// NewStructuredLogger creates a JSON logger at the given level with the
// module name and version attached to every record.
// AddSource is enabled for debug level logging only.
func NewStructuredLogger(module, version, level string) *slog.Logger {
	lev := ParseLogLevel(level)

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lev,
		AddSource: lev <= slog.LevelDebug,
	})).With("module", module, "version", version)
}

// SetDefaultLogger installs the structured logger as slog's default, taking
// the level from LOG_LEVEL when level is empty.
func SetDefaultLogger(module, version, level string) *slog.Logger {
	if level == "" {
		level = os.Getenv(EnvVarLogLevel)
	}
	logger := NewStructuredLogger(module, version, level)
	slog.SetDefault(logger)
	return logger
}

// ParseLogLevel converts a level name into a slog.Level. Unknown names map
// to info.
func ParseLogLevel(level string) slog.Level {
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
