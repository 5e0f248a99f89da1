package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so logs can be
// aggregated and queried by entity id.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Request / client
	KeyRequestID = "request_id"
	KeyClientIP  = "client_ip"
	KeyUserID    = "user_id"

	// File domain
	KeyFileID     = "file_id"
	KeySessionID  = "session_id"
	KeyMessageID  = "message_id"
	KeyTokenID    = "token_id"
	KeyChunkIndex = "chunk_index"
	KeyMime       = "mime"
	KeySize       = "size"
	KeyChecksum   = "checksum"
	KeyFilename   = "filename"
	KeyPath       = "path"
	KeyPercent    = "percent"
	KeyQuality    = "quality"

	// Storage backend
	KeyStoreType = "store_type"
	KeyBucket    = "bucket"
	KeyKey       = "key"
	KeyRegion    = "region"
	KeyAttempt   = "attempt"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyEvent      = "event"
)

// Field constructors for type safety. Most call sites pass raw key/value
// pairs; these helpers exist for the hot paths where a typo in a key would
// silently split a metric stream.

// TraceID returns a slog.Attr for an OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for an OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// UserID returns a slog.Attr for a user id.
func UserID(id string) slog.Attr {
	return slog.String(KeyUserID, id)
}

// FileID returns a slog.Attr for a file id.
func FileID(id string) slog.Attr {
	return slog.String(KeyFileID, id)
}

// SessionID returns a slog.Attr for a chunk-upload session id.
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ChunkIndex returns a slog.Attr for a chunk index.
func ChunkIndex(idx int) slog.Attr {
	return slog.Int(KeyChunkIndex, idx)
}

// Mime returns a slog.Attr for a MIME type.
func Mime(m string) slog.Attr {
	return slog.String(KeyMime, m)
}

// Size returns a slog.Attr for a byte size.
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// ClientIP returns a slog.Attr for a client IP address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
