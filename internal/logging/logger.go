// Package logging owns the process-wide zerolog logger used by every farewelld component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Init configures the global logger. Output always goes to stdout; when logFilePath is set the
// same events are appended to that file. level is one of "debug", "info", "warn", "error"
// (case-insensitive, anything else means info). format "console" switches stdout to the
// human-readable writer; the file always receives JSON lines.
func Init(logFilePath, level, format string) (func(), error) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var stdout io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	writers := []io.Writer{stdout}

	var f *os.File
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}
	Log = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	return func() {
		if f != nil {
			_ = f.Close()
		}
	}, nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Log is the package-global logger configured by Init
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Get returns a pointer to the package-global logger
func Get() *zerolog.Logger {
	return &Log
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
