package h2engine

import (
	"io"
	"log"
	"os"
)

// Logger interface is to abstract the logging from h2engine. Gives control
// to the users, choice of the logger.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// NewLogger create a Logger wraps the *log.Logger
func NewLogger(output io.Writer, prefix string, flag int) Logger {
	return &logger{l: log.New(output, prefix, flag)}
}

// NewFromStandardLogger create a Logger from an existing *log.Logger.
func NewFromStandardLogger(l *log.Logger) Logger {
	return &logger{l: l}
}

func createDefaultLogger() Logger {
	return NewLogger(os.Stderr, "", log.Ldate|log.Lmicroseconds)
}

var _ Logger = (*logger)(nil)

type disableLogger struct{}

func (l *disableLogger) Errorf(format string, v ...interface{}) {}
func (l *disableLogger) Warnf(format string, v ...interface{})  {}
func (l *disableLogger) Debugf(format string, v ...interface{}) {}

type logger struct {
	l *log.Logger
}

func (l *logger) Errorf(format string, v ...interface{}) {
	l.output("ERROR", format, v...)
}

func (l *logger) Warnf(format string, v ...interface{}) {
	l.output("WARN", format, v...)
}

func (l *logger) Debugf(format string, v ...interface{}) {
	l.output("DEBUG", format, v...)
}

func (l *logger) output(level, format string, v ...interface{}) {
	format = level + " [h2engine] " + format
	if len(v) == 0 {
		l.l.Print(format)
		return
	}
	l.l.Printf(format, v...)
}
