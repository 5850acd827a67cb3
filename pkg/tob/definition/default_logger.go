// Package definition holds the default, drop-in implementations a Peer
// falls back to when the caller does not provide its own: the logger
// today.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

// NewDefaultLogger returns the logger used if the caller does not supply
// its own, delegating formatting and output to logrus so structured
// fields and level filtering come for free.
func NewDefaultLogger(nodeID types.NodeID) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{
		entry: l.WithField("node", nodeID),
	}
}

// DefaultLogger adapts a logrus entry to the types.Logger interface.
type DefaultLogger struct {
	entry *logrus.Entry
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}
func (l *DefaultLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}
func (l *DefaultLogger) Fatal(v ...interface{}) { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

// ToggleDebug flips the minimum emitted level; tests use it to quiet a
// cluster's output.
func (l *DefaultLogger) ToggleDebug(on bool) {
	if on {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
}
