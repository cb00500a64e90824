// Package logging installs the process-wide slog logger for every binary.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

type Config struct {
	Level string `mapstructure:"level"`
}

// ParseLevel maps a configured level name to slog. Unknown names mean INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case LevelError:
		return slog.LevelError
	case LevelWarning:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func IsDebug(name string) bool {
	return strings.ToUpper(name) == LevelDebug
}

// Init sets a text logger writing to w as the slog default.
func Init(level string, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	slog.SetDefault(slog.New(handler))
}
