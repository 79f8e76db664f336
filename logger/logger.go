// Package logger provides the leveled console logger shared by the backend packages and the gnc-dbi tool.
package logger

// Logger is a leveled printf-style logger
type Logger interface {
	Log(level LogLevel, message string, args ...interface{})
	Error(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Info(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Trace(format string, args ...interface{})
	GetLevel() LogLevel
	SetLevel(level LogLevel)
	GetLastMessage() *LogMessage
	Clone() Logger
}

// Discard returns a logger that drops every message
func Discard() Logger {
	return NewPlaneLoggerTo(nopWriter{}, LevelError, false)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// OrDiscard returns l, or a discarding logger when l is nil
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
