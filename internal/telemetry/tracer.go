package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for file operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// File attributes
	// ========================================================================
	AttrFileID    = "file.id"
	AttrFilename  = "file.name"
	AttrMime      = "file.mime"
	AttrSize      = "file.size"
	AttrChecksum  = "file.checksum"
	AttrDeduped   = "file.deduped"
	AttrMessageID = "file.message_id"

	// ========================================================================
	// Chunk session attributes
	// ========================================================================
	AttrSessionID   = "chunks.session_id"
	AttrChunkIndex  = "chunks.index"
	AttrChunkCount  = "chunks.total"
	AttrChunkStatus = "chunks.status"
	AttrPercent     = "chunks.percent"

	// ========================================================================
	// Token attributes
	// ========================================================================
	AttrTokenID    = "token.id"
	AttrPermission = "token.permission"
	AttrUses       = "token.uses"

	// ========================================================================
	// Preview / transcode attributes
	// ========================================================================
	AttrQuality   = "transcode.quality"
	AttrConverted = "transcode.converted"
	AttrRangeSpec = "http.range"

	// ========================================================================
	// User attributes
	// ========================================================================
	AttrUserID = "user.id"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"
	AttrPath      = "storage.path"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	SpanUpload        = "filestore.upload"
	SpanDownload      = "filestore.download"
	SpanPreview       = "filestore.preview"
	SpanDelete        = "filestore.delete"
	SpanDedupLookup   = "filestore.dedup_lookup"
	SpanBlobRead      = "blob.read"
	SpanBlobWrite     = "blob.write"
	SpanBlobDelete    = "blob.delete"
	SpanChunkInitiate = "chunks.initiate"
	SpanChunkUpload   = "chunks.upload"
	SpanChunkComplete = "chunks.complete"
	SpanChunkCancel   = "chunks.cancel"
	SpanTokenIssue    = "token.issue"
	SpanTokenValidate = "token.validate"
	SpanTranscode     = "transcode.run"
	SpanCleanupSweep  = "cleanup.sweep"
	SpanIndexLookup   = "index.lookup"
	SpanIndexUpdate   = "index.update"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// FileID returns an attribute for file id
func FileID(id string) attribute.KeyValue {
	return attribute.String(AttrFileID, id)
}

// Filename returns an attribute for original filename
func Filename(name string) attribute.KeyValue {
	return attribute.String(AttrFilename, name)
}

// Mime returns an attribute for MIME type
func Mime(m string) attribute.KeyValue {
	return attribute.String(AttrMime, m)
}

// Size returns an attribute for byte size
func Size(size int64) attribute.KeyValue {
	return attribute.Int64(AttrSize, size)
}

// Checksum returns an attribute for a SHA-256 checksum
func Checksum(sum string) attribute.KeyValue {
	return attribute.String(AttrChecksum, sum)
}

// Deduped returns an attribute indicating a dedup hit
func Deduped(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrDeduped, hit)
}

// SessionID returns an attribute for a chunk-upload session id
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// ChunkIndex returns an attribute for a chunk index
func ChunkIndex(idx int) attribute.KeyValue {
	return attribute.Int(AttrChunkIndex, idx)
}

// ChunkCount returns an attribute for the expected chunk total
func ChunkCount(n int) attribute.KeyValue {
	return attribute.Int(AttrChunkCount, n)
}

// ChunkStatus returns an attribute for session status
func ChunkStatus(status string) attribute.KeyValue {
	return attribute.String(AttrChunkStatus, status)
}

// Percent returns an attribute for upload progress
func Percent(pct int) attribute.KeyValue {
	return attribute.Int(AttrPercent, pct)
}

// TokenID returns an attribute for a download token id
func TokenID(id string) attribute.KeyValue {
	return attribute.String(AttrTokenID, id)
}

// Permission returns an attribute for the requested token permission
func Permission(p string) attribute.KeyValue {
	return attribute.String(AttrPermission, p)
}

// Quality returns an attribute for transcode quality
func Quality(q string) attribute.KeyValue {
	return attribute.String(AttrQuality, q)
}

// Converted returns an attribute indicating on-the-fly conversion
func Converted(c bool) attribute.KeyValue {
	return attribute.Bool(AttrConverted, c)
}

// UserID returns an attribute for user id
func UserID(id string) attribute.KeyValue {
	return attribute.String(AttrUserID, id)
}

// StoreType returns an attribute for store type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// StoragePath returns an attribute for filesystem blob path
func StoragePath(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

// StartFileSpan starts a span for a file store operation.
// This is a convenience function that sets common attributes.
func StartFileSpan(ctx context.Context, name, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, 1+len(attrs))
	if fileID != "" {
		allAttrs = append(allAttrs, FileID(fileID))
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartSessionSpan starts a span for a chunk session operation.
func StartSessionSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, 1+len(attrs))
	allAttrs = append(allAttrs, SessionID(sessionID))
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartBlobSpan starts a span for a blob store operation.
func StartBlobSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "blob."+operation, trace.WithAttributes(attrs...))
}

// StartIndexSpan starts a span for a metadata index operation.
func StartIndexSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "index."+operation, trace.WithAttributes(attrs...))
}
