// Package blob provides the content blob store interface and backends.
//
// Blobs live under a store root at date-sharded relative paths
// (YYYY-MM/<file-id>.<ext>) chosen at creation time, so the on-disk name is
// predictable from the file id alone. Chunk-upload staging files share the
// same root under chunks/<session-id>/.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Common errors returned by blob store implementations.
var (
	// ErrBlobNotFound is returned when a requested blob doesn't exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrPathEscape is returned when a relative path would escape the store root.
	ErrPathEscape = errors.New("path escapes store root")
)

// Handle is an open blob ready for sequential or random-access reads.
type Handle interface {
	io.ReadSeekCloser
}

// Store defines the interface for blob storage backends.
type Store interface {
	// Put writes a blob at the given relative path, creating parent
	// directories as needed. Existing content is replaced.
	Put(ctx context.Context, rel string, data []byte) error

	// Open opens a blob for reading and returns its size.
	// Returns ErrBlobNotFound if the blob doesn't exist.
	Open(ctx context.Context, rel string) (Handle, int64, error)

	// Read returns the full content of a blob.
	// Returns ErrBlobNotFound if the blob doesn't exist.
	Read(ctx context.Context, rel string) ([]byte, error)

	// Delete removes a single blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, rel string) error

	// DeleteByPrefix removes all blobs under a prefix.
	// Used to drop a chunk session's staging directory in one call.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// ListByPrefix lists relative paths under a prefix.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// HealthCheck verifies the store is accessible and writable.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// StoreType selects a blob backend.
type StoreType string

const (
	// StoreTypeFilesystem stores blobs on the local filesystem (default).
	StoreTypeFilesystem StoreType = "filesystem"

	// StoreTypeS3 stores blobs in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// Config selects and configures the blob backend.
type Config struct {
	Type       StoreType        `mapstructure:"type" yaml:"type"`
	Filesystem FilesystemConfig `mapstructure:"filesystem" yaml:"filesystem"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = StoreTypeFilesystem
	}
	if c.Type == StoreTypeFilesystem && c.Filesystem.Root == "" {
		c.Filesystem.Root = "/var/lib/filecore/blobs"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case StoreTypeFilesystem:
		if c.Filesystem.Root == "" {
			return fmt.Errorf("filesystem root is required")
		}
	case StoreTypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported blob store type: %s", c.Type)
	}
	return nil
}

// New creates a blob store from the configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob store configuration: %w", err)
	}

	switch cfg.Type {
	case StoreTypeFilesystem:
		return NewFilesystem(cfg.Filesystem)
	case StoreTypeS3:
		return NewS3FromConfig(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", cfg.Type)
	}
}

// AllocatePath returns the date-sharded relative path for a new blob:
// YYYY-MM/<file-id>.<ext>. The shard is fixed at creation time and stored
// on the file record, so later month rollovers don't move blobs.
func AllocatePath(fileID, ext string, now time.Time) string {
	ext = strings.TrimPrefix(ext, ".")
	name := fileID
	if ext != "" {
		name = fileID + "." + ext
	}
	return path.Join(now.UTC().Format("2006-01"), name)
}

// ChunkDir returns the staging directory for a chunk session.
func ChunkDir(sessionID string) string {
	return path.Join("chunks", sessionID)
}

// ChunkPath returns the staging path of one chunk within a session.
func ChunkPath(sessionID string, index int) string {
	return path.Join("chunks", sessionID, fmt.Sprintf("chunk_%04d", index))
}

// CleanRel normalises a relative blob path and rejects anything that would
// escape the store root: absolute paths, backslashes, and ".." traversal.
func CleanRel(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") ||
		strings.Contains(rel, "\\") || strings.ContainsRune(rel, 0) {
		return "", ErrPathEscape
	}

	// Reject traversal segments outright rather than silently collapsing
	// them: a path carrying ".." is hostile, not a layout quirk.
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrPathEscape
		}
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrPathEscape
	}
	return cleaned, nil
}
