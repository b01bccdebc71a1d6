// Package vlog provides the structured logger used throughout vmimage.
//
// Every component takes a *Logger (defaulting to a no-op logger when the
// caller passes nil) rather than reaching for a package-level global, so
// that a host process embedding this library can route its logs wherever
// it likes.
package vlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with the field vocabulary vmimage
// components use (component, reference, digest, ...).
type Logger struct {
	s *zap.SugaredLogger
}

// Format selects the zap encoder.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Level mirrors the four levels vmimage ever logs at.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// New builds a Logger writing to stderr at the given level/format.
func New(level Level, format Format) (*Logger, error) {
	zapLevel := zapcore.InfoLevel
	switch level {
	case LevelDebug:
		zapLevel = zapcore.DebugLevel
	case LevelWarn:
		zapLevel = zapcore.WarnLevel
	case LevelError:
		zapLevel = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	if format == FormatText {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{s: base.Sugar()}, nil
}

// Nop returns a Logger that discards everything. Used as the default for
// components constructed without an explicit logger.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// With returns a derived Logger with the given key/value pairs attached to
// every subsequent entry.
func (l *Logger) With(kv ...any) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.s.Errorf(format, args...)
}

// Sync flushes any buffered log entries. Callers should defer Sync on
// process shutdown; errors from Sync on stderr are expected on some
// platforms and are intentionally ignored by callers.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.s.Sync()
}

// OrNop returns l if non-nil, otherwise a no-op Logger. Components should
// call this once in their constructor so every method can assume l != nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
