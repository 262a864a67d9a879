package vexport

import (
	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging surface the package needs. Users can inject
// their own implementation (logrus, zap's sugared logger, etc.); by default
// the package logs through logrus at the standard logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// defaultLogger returns the logger to use when a config leaves Logger nil.
func defaultLogger() Logger {
	return logrus.StandardLogger()
}

// nopLogger discards everything. Handy in benchmarks.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// NopLogger is a Logger that discards all output.
var NopLogger Logger = nopLogger{}
