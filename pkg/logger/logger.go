// Package logger provides structured logging utilities for the application.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log starts disabled so packages can log before Init and in tests.
var log = zerolog.Nop()

// Init initializes the global logger. level is a zerolog level name
// (debug, info, warn, error); an empty level means info.
func Init(level, logFile string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	// Console writer with pretty formatting
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}}

	// File writer if specified, as JSON lines
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Logger()

	return nil
}

// SetOutput replaces the global logger with a JSON logger writing to w.
func SetOutput(w io.Writer, lvl zerolog.Level) {
	log = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &log
}

// Debug logs a debug message.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info logs an info message.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn logs a warning message.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error logs an error message.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// WithField returns a logger with the specified field.
func WithField(key string, value interface{}) zerolog.Logger {
	return log.With().Interface(key, value).Logger()
}
