// Package logging defines the leveled logger every node and workload writes
// diagnostics through. Standard output is reserved for the wire protocol, so
// every logger implementation here must write to stderr.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every node and workload logs through, backed by
// logrus instead of wrapping the standard library log.Logger.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output and returns the
	// new state.
	ToggleDebug(enabled bool) bool

	// With returns a logger that attaches the given field to every line it
	// emits afterward (e.g. the node id, the workload name).
	With(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New creates the default Logger, writing structured lines to stderr.
func New() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) With(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})   { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }

func (l *logrusLogger) Debug(v ...interface{}) {
	l.entry.Debug(v...)
}

func (l *logrusLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *logrusLogger) ToggleDebug(enabled bool) bool {
	logger := l.entry.Logger
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return enabled
}
