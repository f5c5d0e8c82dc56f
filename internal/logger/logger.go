package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"revbroker/internal/constants"
)

type Options struct {
	Level  string
	Pretty bool
	Out    io.Writer
}

// Init configures the global zerolog logger and returns it.
func Init(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Str("app", constants.AppName).Logger()
	log.Logger = l
	zerolog.SetGlobalLevel(level)
	return l, nil
}

// LogDir is the per-user directory for log files.
func LogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(homeDir, "AppData", "Local", constants.AppName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", constants.AppName), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, constants.AppName, "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "share", constants.AppName, "logs"), nil
	}
}

// OpenFile opens name for appending, resolving relative names against LogDir.
func OpenFile(name string) (*os.File, error) {
	if !filepath.IsAbs(name) {
		dir, err := LogDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get log directory: %w", err)
		}
		name = filepath.Join(dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
