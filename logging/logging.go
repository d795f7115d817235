// Package logging defines the small logging interface shared by every
// component of the sensor hub, plus adapters for common backends.
//
// Components accept a Logger through a WithLogger option and treat a nil
// Logger as "discard everything".
//
// Example with log/slog:
//
//	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
//	k := kernel.New(platform, kernel.WithLogger(logging.Slog(slog.New(h))))
package logging

import (
	"context"
	"log/slog"
)

// Logger is an optional logging interface that can be provided to any
// component. This allows integration with any logging framework.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}

// Level mirrors the firmware log levels used by Kernel.Log.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Slog adapts a *slog.Logger. A nil argument uses slog.Default().
func Slog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, kv ...interface{}) {
	s.l.Log(context.Background(), slog.LevelDebug, msg, kv...)
}

func (s *slogLogger) Info(msg string, kv ...interface{}) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, kv...)
}

func (s *slogLogger) Error(msg string, kv ...interface{}) {
	s.l.Log(context.Background(), slog.LevelError, msg, kv...)
}

// Log dispatches msg to l at the given firmware level. Warnings go to
// Error since Logger has no warn method. A nil l is a no-op.
func Log(l Logger, level Level, msg string, keysAndValues ...interface{}) {
	if l == nil {
		return
	}
	switch level {
	case LevelError, LevelWarn:
		l.Error(msg, keysAndValues...)
	case LevelInfo:
		l.Info(msg, keysAndValues...)
	default:
		l.Debug(msg, keysAndValues...)
	}
}
