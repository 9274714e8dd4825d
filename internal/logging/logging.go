// Copyright (C) 2026 Matchlighter. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the daemon's structured logger. The API takes
// alternating key/value pairs after the message; the backend is zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Logger is a leveled, structured logger.
type Logger struct {
	zl     zerolog.Logger
	fields map[string]any
	err    error
}

// New creates a Logger from the given configuration.
func New(cfg Config) *Logger {
	level, lerr := zerolog.ParseLevel(cfg.Level)
	if lerr != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	child := *l
	child.zl = l.zl.With().Str("component", name).Logger()
	return &child
}

// WithError returns a child logger that attaches err to its next emission.
func (l *Logger) WithError(err error) *Logger {
	child := *l
	child.err = err
	return &child
}

// WithFields returns a child logger that attaches the given fields to its next emission.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	child := *l
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	child.fields = merged
	return &child
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.emit(l.zl.Debug(), msg, kv) }

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.emit(l.zl.Info(), msg, kv) }

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.emit(l.zl.Warn(), msg, kv) }

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.emit(l.zl.Error(), msg, kv) }

func (l *Logger) emit(ev *zerolog.Event, msg string, kv []any) {
	if l.err != nil {
		ev = ev.Err(l.err)
	}
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
