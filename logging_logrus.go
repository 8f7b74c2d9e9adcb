// logging_logrus.go: logrus adapter and rotating file setup
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogrusAdapter implements Logger on top of a logrus entry.
type LogrusAdapter struct {
	entry *logrus.Entry
}

// NewLogrusAdapter wraps a logrus logger.
func NewLogrusAdapter(logger *logrus.Logger) *LogrusAdapter {
	return &LogrusAdapter{entry: logrus.NewEntry(logger)}
}

// fields converts alternating key-value pairs into logrus fields.
// A dangling key is kept under "!BADKEY" like slog does.
func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			out["!BADKEY"] = args[i]
			break
		}
		if err, isErr := args[i+1].(error); isErr {
			out[key] = err.Error()
			continue
		}
		out[key] = args[i+1]
	}
	return out
}

func (l *LogrusAdapter) Debug(msg string, args ...any) { l.entry.WithFields(fields(args)).Debug(msg) }
func (l *LogrusAdapter) Info(msg string, args ...any)  { l.entry.WithFields(fields(args)).Info(msg) }
func (l *LogrusAdapter) Warn(msg string, args ...any)  { l.entry.WithFields(fields(args)).Warn(msg) }
func (l *LogrusAdapter) Error(msg string, args ...any) { l.entry.WithFields(fields(args)).Error(msg) }

// With returns an adapter carrying the given fields.
func (l *LogrusAdapter) With(args ...any) Logger {
	return &LogrusAdapter{entry: l.entry.WithFields(fields(args))}
}

// LogOptions configures the logrus backend built by NewLogrusLogger.
type LogOptions struct {
	Level      string `json:"level" yaml:"level"`
	FilePath   string `json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// NewLogrusLogger builds a JSON logrus logger. With a file path it writes
// to a rotating file; if the directory cannot be created it falls back to
// stdout and logs the reason.
func NewLogrusLogger(opts LogOptions) (*logrus.Logger, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	output, outErr := logOutput(opts)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   opts.FilePath,
		}).Warn(outErr.Error())
	}
	return logger, nil
}

func logOutput(opts LogOptions) (io.Writer, error) {
	if opts.FilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o750); err != nil {
		return os.Stdout, fmt.Errorf("cannot create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}, nil
}
