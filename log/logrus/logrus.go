// Package logrus adapts a logrus entry to mutacache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/mutacache"
)

var _ mutacache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New wraps l; a nil l uses logrus.StandardLogger().
func New(l *logrus.Logger) LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return LogrusLogger{E: logrus.NewEntry(l)}
}

func (l LogrusLogger) Debug(msg string, f mutacache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f mutacache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l LogrusLogger) Warn(msg string, f mutacache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l LogrusLogger) Error(msg string, f mutacache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}

func (l LogrusLogger) With(f mutacache.Fields) mutacache.Logger {
	return LogrusLogger{E: l.E.WithFields(logrus.Fields(f))}
}
