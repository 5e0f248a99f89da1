package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "filecore", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, ClientIP("192.168.1.1"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("ClientIP", func(t *testing.T) {
		attr := ClientIP("192.168.1.100")
		assert.Equal(t, AttrClientIP, string(attr.Key))
		assert.Equal(t, "192.168.1.100", attr.Value.AsString())
	})

	t.Run("ClientAddr", func(t *testing.T) {
		attr := ClientAddr("192.168.1.100:12345")
		assert.Equal(t, AttrClientAddr, string(attr.Key))
		assert.Equal(t, "192.168.1.100:12345", attr.Value.AsString())
	})

	t.Run("FileID", func(t *testing.T) {
		attr := FileID("file-123")
		assert.Equal(t, AttrFileID, string(attr.Key))
		assert.Equal(t, "file-123", attr.Value.AsString())
	})

	t.Run("Mime", func(t *testing.T) {
		attr := Mime("image/jpeg")
		assert.Equal(t, AttrMime, string(attr.Key))
		assert.Equal(t, "image/jpeg", attr.Value.AsString())
	})

	t.Run("Size", func(t *testing.T) {
		attr := Size(1048576)
		assert.Equal(t, AttrSize, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})

	t.Run("Checksum", func(t *testing.T) {
		attr := Checksum("abcd1234")
		assert.Equal(t, AttrChecksum, string(attr.Key))
		assert.Equal(t, "abcd1234", attr.Value.AsString())
	})

	t.Run("Deduped", func(t *testing.T) {
		attr := Deduped(true)
		assert.Equal(t, AttrDeduped, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("SessionID", func(t *testing.T) {
		attr := SessionID("sess-1")
		assert.Equal(t, AttrSessionID, string(attr.Key))
		assert.Equal(t, "sess-1", attr.Value.AsString())
	})

	t.Run("ChunkIndex", func(t *testing.T) {
		attr := ChunkIndex(7)
		assert.Equal(t, AttrChunkIndex, string(attr.Key))
		assert.Equal(t, int64(7), attr.Value.AsInt64())
	})

	t.Run("Percent", func(t *testing.T) {
		attr := Percent(50)
		assert.Equal(t, AttrPercent, string(attr.Key))
		assert.Equal(t, int64(50), attr.Value.AsInt64())
	})

	t.Run("TokenID", func(t *testing.T) {
		attr := TokenID("tok-1")
		assert.Equal(t, AttrTokenID, string(attr.Key))
		assert.Equal(t, "tok-1", attr.Value.AsString())
	})

	t.Run("Quality", func(t *testing.T) {
		attr := Quality("medium")
		assert.Equal(t, AttrQuality, string(attr.Key))
		assert.Equal(t, "medium", attr.Value.AsString())
	})

	t.Run("UserID", func(t *testing.T) {
		attr := UserID("user-1")
		assert.Equal(t, AttrUserID, string(attr.Key))
		assert.Equal(t, "user-1", attr.Value.AsString())
	})

	t.Run("Bucket", func(t *testing.T) {
		attr := Bucket("my-bucket")
		assert.Equal(t, AttrBucket, string(attr.Key))
		assert.Equal(t, "my-bucket", attr.Value.AsString())
	})

	t.Run("StorageKey", func(t *testing.T) {
		attr := StorageKey("2026-01/file.jpg")
		assert.Equal(t, AttrKey, string(attr.Key))
		assert.Equal(t, "2026-01/file.jpg", attr.Value.AsString())
	})
}

func TestStartFileSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartFileSpan(ctx, SpanUpload, "file-123")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With empty file id
	newCtx2, span2 := StartFileSpan(ctx, SpanDedupLookup, "")
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()

	// With additional attributes
	newCtx3, span3 := StartFileSpan(ctx, SpanDownload, "file-456", Mime("video/mp4"), Size(1024))
	require.NotNil(t, newCtx3)
	require.NotNil(t, span3)
	span3.End()
}

func TestStartSessionSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartSessionSpan(ctx, SpanChunkUpload, "sess-1", ChunkIndex(0))
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestStartBlobSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartBlobSpan(ctx, "write", StoreType("filesystem"))
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}
