package core

import (
	"fmt"
	"log"
	"os"
)

// LogLevel controls which messages a Logger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger provides leveled logging for the registry and its collaborators.
// The abstraction allows swapping implementations per registry instance;
// nothing in this module logs through a package-level logger.
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// levelLogger implements Logger on the standard log package with a
// minimum-level filter.
type levelLogger struct {
	min         LogLevel
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger creates a Logger that writes INFO and above.
func NewDefaultLogger() Logger {
	return NewLeveledLogger(LevelInfo)
}

// NewLeveledLogger creates a Logger that writes messages at or above min.
func NewLeveledLogger(min LogLevel) Logger {
	return &levelLogger{
		min:         min,
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
	}
}

func (l *levelLogger) Error(args ...interface{}) {
	if l.min <= LevelError {
		l.errorLogger.Output(3, fmt.Sprint(args...))
	}
}

func (l *levelLogger) Errorf(format string, args ...interface{}) {
	if l.min <= LevelError {
		l.errorLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *levelLogger) Warn(args ...interface{}) {
	if l.min <= LevelWarn {
		l.warnLogger.Output(3, fmt.Sprint(args...))
	}
}

func (l *levelLogger) Warnf(format string, args ...interface{}) {
	if l.min <= LevelWarn {
		l.warnLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *levelLogger) Info(args ...interface{}) {
	if l.min <= LevelInfo {
		l.infoLogger.Output(3, fmt.Sprint(args...))
	}
}

func (l *levelLogger) Infof(format string, args ...interface{}) {
	if l.min <= LevelInfo {
		l.infoLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *levelLogger) Debug(args ...interface{}) {
	if l.min <= LevelDebug {
		l.debugLogger.Output(3, fmt.Sprint(args...))
	}
}

func (l *levelLogger) Debugf(format string, args ...interface{}) {
	if l.min <= LevelDebug {
		l.debugLogger.Output(3, fmt.Sprintf(format, args...))
	}
}

// NopLogger discards everything. Useful in tests that assert on output.
type NopLogger struct{}

func (NopLogger) Error(...interface{})          {}
func (NopLogger) Errorf(string, ...interface{}) {}
func (NopLogger) Warn(...interface{})           {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Info(...interface{})           {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Debug(...interface{})          {}
func (NopLogger) Debugf(string, ...interface{}) {}
