package util

import (
	"fmt"
	"io"
	"log"
	"os"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone
)

// Logger is the diagnostic sink handlers report unusual guest behavior to.
// Behavioral events go to core.LogManager instead.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type defaultLogger struct {
	*log.Logger
	Level LogLevel
}

// NewDefaultLogger logs to stderr at or above level
func NewDefaultLogger(level LogLevel) Logger {
	return NewWriterLogger(os.Stderr, level)
}

// NewWriterLogger logs to w at or above level
func NewWriterLogger(w io.Writer, level LogLevel) Logger {
	return &defaultLogger{
		Logger: log.New(w, "", log.LstdFlags),
		Level:  level,
	}
}

func (l *defaultLogger) logf(level LogLevel, tag, format string, v ...interface{}) {
	if l.Logger != nil && l.Level <= level {
		l.Logger.Printf("[%s] %s\n", tag, fmt.Sprintf(format, v...))
	}
}

func (l *defaultLogger) Debugf(format string, v ...interface{}) {
	l.logf(LogLevelDebug, "DEBU", format, v...)
}

func (l *defaultLogger) Infof(format string, v ...interface{}) {
	l.logf(LogLevelInfo, "INFO", format, v...)
}

func (l *defaultLogger) Warnf(format string, v ...interface{}) {
	l.logf(LogLevelWarn, "WARN", format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...interface{}) {
	l.logf(LogLevelError, "ERRO", format, v...)
}

// NopLogger discards everything
func NopLogger() Logger {
	return &defaultLogger{Level: LogLevelNone}
}
