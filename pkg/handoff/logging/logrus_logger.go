// Package logging provides the default types.Logger implementation: one
// underlying logger wrapped with level helpers, backed by
// github.com/sirupsen/logrus. With derives a Logger that attaches
// structured fields to every record; the components in this module log
// formatted messages and do not call With.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// Logger adapts a logrus.FieldLogger to types.Logger.
type Logger struct {
	entry *logrus.Entry
	debug bool
}

// New builds a Logger writing to w (os.Stderr if nil) at info level by
// default; ToggleDebug flips to debug level.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewFile opens (creating if necessary) a log file under dir and returns
// a Logger writing to it; used when LOG_DIR is configured.
func NewFile(dir, name string) (*Logger, error) {
	if dir == "" {
		return New(nil), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(dir+"/"+name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func (l *Logger) With(fields map[string]interface{}) types.Logger {
	return &Logger{entry: l.entry.WithFields(fields), debug: l.debug}
}

func (l *Logger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *Logger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *Logger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *Logger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *Logger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *Logger) Fatal(v ...interface{})                { l.entry.Fatal(v...) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *Logger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

// ToggleDebug flips debug-level emission and reports the previous value.
func (l *Logger) ToggleDebug(value bool) bool {
	previous := l.debug
	l.debug = value
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return previous
}

var _ types.Logger = (*Logger)(nil)
