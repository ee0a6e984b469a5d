// Package logging defines the Logger capability shared by every component
// and its default implementation over go.uber.org/zap, so components
// depend on a three-method interface rather than on zap directly.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the minimal capability set every component depends on.
type Logger interface {
	Debug(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production zap.Logger wrapped as Logger. Falls back to a
// no-op logger if zap construction fails (should not happen with the
// default production config).
func New() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return Discard{}
	}
	return &zapLogger{s: l.Sugar()}
}

// NewDevelopment builds a human-readable, colorized-console zap logger for
// local CLI use (--verbose).
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return Discard{}
	}
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }

// Discard implements Logger by dropping everything; used as a fallback
// before the real logger is constructed.
type Discard struct{}

func (Discard) Debug(string, ...any) {}
func (Discard) Warn(string, ...any)  {}
func (Discard) Error(string, ...any) {}
