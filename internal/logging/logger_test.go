// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

// logLine is the decoded shape of one JSON log line.
type logLine map[string]interface{}

func decodeLine(t *testing.T, buf *bytes.Buffer) logLine {
	t.Helper()
	var line logLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, buf.String())
	}
	return line
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	firstLogger := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	logger := Get()
	if logger != firstLogger {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if logger.out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// =====================================================
// Log Level Tests
// =====================================================

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(io.Discard, tt.minLevel)
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// TestParseLevel verifies config string parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// =====================================================
// Logging Tests
// =====================================================

// TestLogger_Debug verifies debug logging with context.
func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Debug("test message", map[string]interface{}{"key": "value"})

	line := decodeLine(t, &buf)
	if line["level"] != "debug" {
		t.Errorf("level = %v, want debug", line["level"])
	}
	if line["message"] != "test message" {
		t.Errorf("message = %v, want 'test message'", line["message"])
	}
	if line["key"] != "value" {
		t.Errorf("key = %v, want 'value'", line["key"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_filtered verifies messages below the minimum level are dropped.
func TestLogger_filtered(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Info("ignored")
	if buf.Len() != 0 {
		t.Errorf("Info() at WARN level produced output: %q", buf.String())
	}
}

// TestLogger_Error verifies error logging.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("error occurred", io.ErrUnexpectedEOF)

	line := decodeLine(t, &buf)
	if line["level"] != "error" {
		t.Errorf("level = %v, want error", line["level"])
	}
	if !strings.Contains(line["error"].(string), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("error field should contain error details, got: %v", line["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"scan_id": "scan-1"}
	logger.ErrorWithCode("sync failed", "SYNC_ITEM_FAILED", io.ErrUnexpectedEOF, ctx)

	line := decodeLine(t, &buf)
	if line["code"] != "SYNC_ITEM_FAILED" {
		t.Errorf("code = %v, want SYNC_ITEM_FAILED", line["code"])
	}
	if line["scan_id"] != "scan-1" {
		t.Errorf("scan_id = %v, want scan-1", line["scan_id"])
	}
	if _, mutated := ctx["code"]; mutated {
		t.Error("ErrorWithCode() must not mutate the caller's context map")
	}
}

// TestMergeContext verifies context maps are merged left to right.
func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("mergeContext() with no maps should be nil")
	}

	merged := mergeContext(
		map[string]interface{}{"a": 1, "b": 1},
		map[string]interface{}{"b": 2},
	)
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("mergeContext() = %v", merged)
	}
}
