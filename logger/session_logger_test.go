package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSessionLogger_Prefix(t *testing.T) {
	tests := []struct {
		name      string
		dialect   string
		sessionID string
		expected  string
	}{
		{"with session id", "sqlite3", "5e0c", "sqlite3 session 5e0c: lock acquired"},
		{"without session id", "mysql", "", "mysql: lock acquired"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			parent := NewPlaneLoggerTo(&buf, LevelInfo, true)
			logger := NewSessionLogger(parent, tc.dialect, tc.sessionID)

			logger.Info("lock %s", "acquired")

			if !strings.Contains(buf.String(), tc.expected) {
				t.Errorf("Expected output to contain %q, got %q", tc.expected, buf.String())
			}
			if msg := logger.GetLastMessage(); msg == nil || msg.Message != tc.expected {
				t.Errorf("Expected last message %q, got %+v", tc.expected, msg)
			}
		})
	}
}

func TestSessionLogger_LevelIsShared(t *testing.T) {
	parent := NewPlaneLoggerTo(&bytes.Buffer{}, LevelWarn, true)
	logger := NewSessionLogger(parent, "postgres", "id")

	logger.Info("hidden")
	if parent.GetLastMessage() != nil {
		t.Errorf("Info message passed a warn-level parent")
	}

	logger.SetLevel(LevelDebug)
	if parent.GetLevel() != LevelDebug {
		t.Errorf("SetLevel did not reach the parent logger")
	}
}

func TestSessionLogger_NilParent(t *testing.T) {
	logger := NewSessionLogger(nil, "sqlite3", "x")
	logger.Error("nowhere")
	if logger.Clone() == nil {
		t.Errorf("Clone() returned nil")
	}
}
