// logging.go: pluggable logging interface for the module loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger is the structured logging interface used across the loader.
//
// Args are alternating key-value pairs:
//
//	logger.Info("Module loaded", "module", name, "stage", stage)
//
// Any framework can be plugged in through an adapter; LogrusAdapter covers
// logrus and NoOpLogger discards everything.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that adds the given pairs to every entry.
	With(args ...any) Logger
}

// NewLogger normalizes a logger value: a Logger is returned as is and nil
// becomes a NoOpLogger. Any other type panics.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger interface or nil")
	}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With returns the same instance since it's stateless.
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures log messages for assertions in tests.
// Loggers derived with With share the parent's buffer.
type TestLogger struct {
	sink   *testLogSink
	fields []any
}

type testLogSink struct {
	mu       sync.RWMutex
	messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &testLogSink{}}
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.sink.messages = append(t.sink.messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger writing into the same buffer.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{sink: t.sink, fields: fields}
}

// Messages returns a copy of the captured messages.
func (t *TestLogger) Messages() []TestLogMessage {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	out := make([]TestLogMessage, len(t.sink.messages))
	copy(out, t.sink.messages)
	return out
}

// HasMessage checks if a message was captured at the given level.
func (t *TestLogger) HasMessage(level, message string) bool {
	return t.CountMessages(level, message) > 0
}

// CountMessages counts captured messages matching level and text.
func (t *TestLogger) CountMessages(level, message string) int {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	n := 0
	for _, msg := range t.sink.messages {
		if msg.Level == level && msg.Message == message {
			n++
		}
	}
	return n
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.sink.messages = t.sink.messages[:0]
}

// DefaultLogger returns the library default, a NoOpLogger.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from context, falling back to DefaultLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
