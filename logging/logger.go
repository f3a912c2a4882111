// Package logging provides the leveled logger shared by every service.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/kataras/golog"
)

// Logger is the logging contract services depend on.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// GologLogger adapts a golog logger to Logger.
type GologLogger struct {
	logger *golog.Logger
}

// New builds a golog-backed logger writing to out (stderr when nil).
// Recognised levels: debug, info, warn, error, disable.
func New(level string, out io.Writer) *GologLogger {
	if out == nil {
		out = os.Stderr
	}
	l := golog.New()
	l.SetOutput(out)
	l.SetPrefix("[thesis-rag] ")
	l.SetLevel(normalizeLevel(level))
	return &GologLogger{logger: l}
}

// NewGologLogger wraps an existing golog logger.
func NewGologLogger(l *golog.Logger) *GologLogger {
	return &GologLogger{logger: l}
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	case "disable", "none", "off":
		return "disable"
	default:
		return "info"
	}
}

func (l *GologLogger) Debug(format string, v ...any) { l.logger.Debugf(format, v...) }
func (l *GologLogger) Info(format string, v ...any)  { l.logger.Infof(format, v...) }
func (l *GologLogger) Warn(format string, v ...any)  { l.logger.Warnf(format, v...) }
func (l *GologLogger) Error(format string, v ...any) { l.logger.Errorf(format, v...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return nopLogger{}
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
