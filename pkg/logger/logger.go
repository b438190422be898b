package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beckchat/beck/pkg/config"
)

// Logger is a component-scoped structured logger. Component loggers are
// cheap to create and safe to use before Init; messages logged before
// initialization are dropped.
type Logger struct {
	component string
}

var (
	mu      sync.RWMutex
	base    *slog.Logger
	logFile *os.File
)

// Init initializes the package logger from the global config. Safe to
// call more than once; later calls replace the active log destination.
func Init() error {
	settings := config.Get()
	level := parseLevel(settings.Logging.Level)

	logPath := settings.Logging.LogFile
	if logPath == "" {
		setHandler(os.Stderr, level)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Preserve appends to the existing file; otherwise start fresh.
	flags := os.O_CREATE | os.O_WRONLY
	if settings.Logging.Preserve {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(logPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	mu.Unlock()

	setHandler(file, level)
	return nil
}

// SetOutput directs all log output to w at the given level. Used by
// tests to capture or silence log output without touching the filesystem.
func SetOutput(w io.Writer, level string) {
	setHandler(w, parseLevel(level))
}

// Close closes the underlying log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	base = nil
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// WithComponent returns a logger that tags every record with the given
// component name.
func WithComponent(name string) *Logger {
	return &Logger{component: name}
}

func setHandler(w io.Writer, level slog.Level) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})

	mu.Lock()
	base = slog.New(handler)
	mu.Unlock()
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	mu.RLock()
	active := base
	mu.RUnlock()

	if active == nil {
		return
	}
	if l.component != "" {
		active = active.With("component", l.component)
	}
	active.Log(context.Background(), level, msg, args...)
}

// Debug logs a debug message with structured key/value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs an info message with structured key/value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a warning message with structured key/value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs an error message with structured key/value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// Package-level convenience functions for call sites without a component.

func Debug(msg string, args ...any) { (&Logger{}).Debug(msg, args...) }
func Info(msg string, args ...any)  { (&Logger{}).Info(msg, args...) }
func Warn(msg string, args ...any)  { (&Logger{}).Warn(msg, args...) }
func Error(msg string, args ...any) { (&Logger{}).Error(msg, args...) }
