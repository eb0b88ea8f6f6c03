// Package slog is a thin wrapper over logrus giving every component a
// leveled logger tagged with its name, in the same Infof/Debugf/
// Warningf/Fatalf shape used throughout runsc/cmd.
package slog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if os.Getenv("SANDBOXRUN_LOG_FORMAT") == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("SANDBOXRUN_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Logger is a component-scoped logging handle.
type Logger struct {
	entry *logrus.Entry
}

// For returns a Logger tagged with the given component name.
func For(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a child logger with an additional field, used to tag a
// single run with its SandboxId for the lifetime of that run.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warningf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Fatalf logs at fatal level and terminates the process. Reserved for
// the CLI entry points; library code must never call this.
func (l *Logger) Fatalf(format string, args ...any) {
	l.entry.Fatalf(format, args...)
}
