package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // Disable colors for easier testing
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		Debug("debug message")
		Info("info message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, "info message")
	})

	t.Run("ErrorLevelShowsOnlyErrors", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "info message")
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})
}

func TestStructuredFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	Info("upload complete", "file_id", "abc-123", "size", 42)

	out := buf.String()
	assert.Contains(t, out, "upload complete")
	assert.Contains(t, out, "file_id=abc-123")
	assert.Contains(t, out, "size=42")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	defer SetFormat("text")

	Info("stored blob", "file_id", "f1", "mime", "image/png")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))

	assert.Equal(t, "stored blob", entry["msg"])
	assert.Equal(t, "f1", entry["file_id"])
	assert.Equal(t, "image/png", entry["mime"])
}

func TestContextLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")

	lc := NewLogContext("10.0.0.7").WithUser("user-1").WithRequestID("req-9")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "chunk accepted", "session_id", "s1", "chunk_index", 3)

	out := buf.String()
	assert.Contains(t, out, "client_ip=10.0.0.7")
	assert.Contains(t, out, "user_id=user-1")
	assert.Contains(t, out, "request_id=req-9")
	assert.Contains(t, out, "session_id=s1")
}

func TestLogContextClone(t *testing.T) {
	lc := &LogContext{
		TraceID:  "trace-1",
		ClientIP: "10.0.0.1",
		UserID:   "user-1",
	}

	clone := lc.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, lc.UserID, clone.UserID)
	assert.Equal(t, lc.ClientIP, clone.ClientIP)

	// Mutating the clone must not touch the original.
	clone.UserID = "user-2"
	assert.Equal(t, "user-1", lc.UserID)

	var nilLC *LogContext
	assert.Nil(t, nilLC.Clone())
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, KeyFileID, FileID("f").Key)
	assert.Equal(t, KeySessionID, SessionID("s").Key)
	assert.Equal(t, KeyUserID, UserID("u").Key)
	assert.Equal(t, "boom", Err(errors.New("boom")).Value.String())
	assert.True(t, Err(nil).Equal(Err(nil)))
}

func TestConsoleHandlerGroups(t *testing.T) {
	buf := new(bytes.Buffer)
	h := newConsoleHandler(buf, nil, false).
		WithGroup("http").
		WithAttrs([]slog.Attr{slog.String("method", "GET")})

	slog.New(h).Info("served", "status", 200)

	out := buf.String()
	assert.Contains(t, out, "[INFO] served")
	assert.Contains(t, out, "http.method=GET")
	assert.Contains(t, out, "http.status=200")
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetLevel("NONSENSE") // no-op

	Info("still here")
	assert.Contains(t, buf.String(), "still here")
}
