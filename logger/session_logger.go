package logger

import (
	"fmt"
)

// SessionLogger prefixes every message with the dialect and id of the session that produced it
type SessionLogger struct {
	parent    Logger
	dialect   string
	sessionID string
}

// NewSessionLogger wraps parent; a nil parent discards messages
func NewSessionLogger(parent Logger, dialect string, sessionID string) Logger {
	return &SessionLogger{
		parent:    OrDiscard(parent),
		dialect:   dialect,
		sessionID: sessionID,
	}
}

func (l *SessionLogger) prefix(msg string) string {
	if l.sessionID == "" {
		return fmt.Sprintf("%s: %s", l.dialect, msg)
	}
	return fmt.Sprintf("%s session %s: %s", l.dialect, l.sessionID, msg)
}

func (l *SessionLogger) Log(level LogLevel, message string, args ...interface{}) {
	if l.parent.GetLevel() < level {
		return
	}
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.parent.Log(level, "%s", l.prefix(message))
}

// Error logs an error message
func (l *SessionLogger) Error(format string, args ...interface{}) {
	l.Log(LevelError, format, args...)
}

// Warn logs a warning message
func (l *SessionLogger) Warn(format string, args ...interface{}) {
	l.Log(LevelWarn, format, args...)
}

// Info logs an informational message
func (l *SessionLogger) Info(format string, args ...interface{}) {
	l.Log(LevelInfo, format, args...)
}

// Debug logs a debug message
func (l *SessionLogger) Debug(format string, args ...interface{}) {
	l.Log(LevelDebug, format, args...)
}

// Trace logs a trace message
func (l *SessionLogger) Trace(format string, args ...interface{}) {
	l.Log(LevelTrace, format, args...)
}

func (l *SessionLogger) GetLevel() LogLevel {
	return l.parent.GetLevel()
}

func (l *SessionLogger) SetLevel(level LogLevel) {
	l.parent.SetLevel(level)
}

func (l *SessionLogger) GetLastMessage() *LogMessage {
	return l.parent.GetLastMessage()
}

func (l *SessionLogger) Clone() Logger {
	return NewSessionLogger(l.parent.Clone(), l.dialect, l.sessionID)
}
