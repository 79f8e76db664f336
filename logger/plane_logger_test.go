package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewPlaneLogger(t *testing.T) {
	tests := []struct {
		name         string
		level        LogLevel
		storeLastMsg bool
	}{
		{name: "error level without storage", level: LevelError, storeLastMsg: false},
		{name: "debug level with storage", level: LevelDebug, storeLastMsg: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger := NewPlaneLoggerTo(&bytes.Buffer{}, tc.level, tc.storeLastMsg)

			if logger.GetLevel() != tc.level {
				t.Errorf("Expected level %v, got %v", tc.level, logger.GetLevel())
			}
			if logger.GetLastMessage() != nil {
				t.Errorf("Expected no stored message on a fresh logger")
			}
		})
	}
}

func TestPlaneLogger_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewPlaneLoggerTo(&buf, LevelInfo, false)

	logger.Info("opened %s", "book.gnucash")
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "INF: opened book.gnucash") {
		t.Errorf("Expected info line in output, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug message leaked at info level: %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("Expected no color codes for a plain writer: %q", out)
	}
}

func TestPlaneLogger_PercentWithoutArgs(t *testing.T) {
	logger := NewPlaneLoggerTo(&bytes.Buffer{}, LevelTrace, true)

	logger.Warn("LIKE 'sqlite_autoindex%'")
	if msg := logger.GetLastMessage(); msg == nil || msg.Message != "LIKE 'sqlite_autoindex%'" {
		t.Errorf("Message without arguments was reformatted: %+v", msg)
	}
}

func TestPlaneLogger_LogMethods(t *testing.T) {
	tests := []struct {
		name     string
		logFunc  func(l Logger)
		level    LogLevel
		expected string
	}{
		{"error message", func(l Logger) { l.Error("test error %d", 1) }, LevelError, "test error 1"},
		{"warn message", func(l Logger) { l.Warn("test warning %s", "msg") }, LevelWarn, "test warning msg"},
		{"info message", func(l Logger) { l.Info("test info") }, LevelInfo, "test info"},
		{"debug message", func(l Logger) { l.Debug("test debug") }, LevelDebug, "test debug"},
		{"trace message", func(l Logger) { l.Trace("test trace") }, LevelTrace, "test trace"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger := NewPlaneLoggerTo(&bytes.Buffer{}, LevelTrace, true)
			tc.logFunc(logger)

			lastMsg := logger.GetLastMessage()
			if lastMsg == nil {
				t.Fatal("Expected to get stored message")
			}
			if lastMsg.Level != tc.level {
				t.Errorf("Expected level %v, got %v", tc.level, lastMsg.Level)
			}
			if !strings.Contains(lastMsg.Message, tc.expected) {
				t.Errorf("Expected message to contain %q, got %q", tc.expected, lastMsg.Message)
			}
			if time.Since(lastMsg.Time) > time.Minute {
				t.Errorf("Timestamp seems incorrect: %v", lastMsg.Time)
			}
		})
	}
}

func TestPlaneLogger_LogLevelFiltering(t *testing.T) {
	tests := []struct {
		name          string
		loggerLevel   LogLevel
		messageFn     func(l Logger)
		shouldContain bool
	}{
		{"error shown at error level", LevelError, func(l Logger) { l.Error("test") }, true},
		{"warn hidden at error level", LevelError, func(l Logger) { l.Warn("test") }, false},
		{"debug shown at debug level", LevelDebug, func(l Logger) { l.Debug("test") }, true},
		{"trace hidden at debug level", LevelDebug, func(l Logger) { l.Trace("test") }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger := NewPlaneLoggerTo(&bytes.Buffer{}, tc.loggerLevel, true)
			tc.messageFn(logger)

			if got := logger.GetLastMessage() != nil; got != tc.shouldContain {
				t.Errorf("stored = %v, want %v", got, tc.shouldContain)
			}
		})
	}
}

func TestPlaneLogger_Clone(t *testing.T) {
	var buf bytes.Buffer
	originalLogger := NewPlaneLoggerTo(&buf, LevelWarn, true)
	clonedLogger := originalLogger.Clone()

	if clonedLogger.GetLevel() != LevelWarn {
		t.Errorf("Expected cloned logger level %v, got %v", LevelWarn, clonedLogger.GetLevel())
	}

	clonedLogger.SetLevel(LevelTrace)
	if originalLogger.GetLevel() != LevelWarn {
		t.Errorf("Original logger level changed after modifying clone")
	}

	clonedLogger.Trace("from clone")
	if !strings.Contains(buf.String(), "from clone") {
		t.Errorf("Clone does not share the output writer")
	}
}
