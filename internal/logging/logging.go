// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides a thin component logger over charmbracelet/log,
// the leveled, structured logger used throughout the shim engines.
package logging

import (
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Config controls the process-wide default logger.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	Output    io.Writer
	ReportTS  bool
	Formatter charmlog.Formatter
}

// DefaultConfig returns sane defaults: info level, text formatter, stderr.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Output:    os.Stderr,
		ReportTS:  true,
		Formatter: charmlog.TextFormatter,
	}
}

// Logger wraps a charmbracelet/log.Logger with the component/error chaining
// idiom used across this module's engines.
type Logger struct {
	inner *charmlog.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// New creates a standalone Logger from Config.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: cfg.ReportTS,
		Formatter:       cfg.Formatter,
	})
	if lvl, err := charmlog.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}
	return &Logger{inner: l}
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a child logger tagged with the given component name,
// using the process-wide default logger as its base.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a child logger tagged with the given component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

// WithError returns a child logger carrying the given error as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{inner: l.inner.With("error", err)}
}

// With returns a child logger with the given key/value pairs attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }
