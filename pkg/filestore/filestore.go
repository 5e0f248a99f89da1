// Package filestore orchestrates the content-addressed file store: blob
// persistence, the metadata index, checksum deduplication, and the
// single-shot upload pipeline.
//
// Content is addressed by file id on disk but deduplicated by
// (checksum, mime) in the index. The index is authoritative; a blob
// without an active record is garbage and is reaped by background cleanup.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/telemetry"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/index"
	"github.com/pulsechat/filecore/pkg/model"
	"github.com/pulsechat/filecore/pkg/validate"
)

// Result is the outcome of a store operation. IsNew is false on a dedup
// hit, in which case Record is the pre-existing record.
type Result struct {
	Record *model.FileRecord
	IsNew  bool
}

// Service ties the metadata index and the blob store together.
type Service struct {
	index *index.Store
	blobs blob.Store
	thumb Thumbnailer
	now   func() time.Time

	// scanPending makes new records enter the scan lifecycle at pending.
	// Without an external scanner wired in, records are created clean so
	// they can serve as dedup targets immediately.
	scanPending bool
}

// Option configures a Service.
type Option func(*Service)

// WithThumbnailer installs the post-upload thumbnail hook.
func WithThumbnailer(t Thumbnailer) Option {
	return func(s *Service) { s.thumb = t }
}

// WithExternalScanner marks new records scan-pending instead of clean.
// Use when an external virus scanner promotes records via SetScanStatus.
func WithExternalScanner() Option {
	return func(s *Service) { s.scanPending = true }
}

// WithClock replaces the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a file store service.
func New(idx *index.Store, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		index: idx,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checksum returns the hex SHA-256 fingerprint of the buffer.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload is the single-shot pipeline: full validation (including the
// magic-number sniff), then Put. Thumbnail generation is kicked off
// asynchronously and never fails the upload.
func (s *Service) Upload(ctx context.Context, name, mime string, data []byte, ownerID string) (*Result, error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanUpload, "",
		telemetry.Mime(mime), telemetry.Size(int64(len(data))))
	defer span.End()

	if err := validate.File(name, mime, int64(len(data)), data); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	return s.Put(ctx, name, mime, data, ownerID)
}

// Put stores a buffer, deduplicating by (checksum, mime) among active
// clean-scanned records. On a dedup hit the existing record is returned
// and no blob is written. Callers wanting validation use Upload.
func (s *Service) Put(ctx context.Context, name, mime string, data []byte, ownerID string) (*Result, error) {
	mime = validate.NormalizeMime(mime)
	checksum := Checksum(data)

	lookupCtx, span := telemetry.StartSpan(ctx, telemetry.SpanDedupLookup)
	existing, err := s.index.FindDedup(lookupCtx, checksum, mime)
	switch {
	case err == nil:
		span.SetAttributes(telemetry.Deduped(true))
		span.End()
		logger.DebugCtx(ctx, "dedup hit", "file_id", existing.ID, "checksum", checksum)
		return &Result{Record: existing, IsNew: false}, nil
	case !errors.Is(err, model.ErrFileNotFound):
		span.End()
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	span.SetAttributes(telemetry.Deduped(false))
	span.End()

	id := uuid.New().String()
	rel := blob.AllocatePath(id, validate.ExtensionFor(mime), s.now())

	if err := s.blobs.Put(ctx, rel, data); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}

	rec := &model.FileRecord{
		ID:          id,
		Checksum:    checksum,
		Name:        name,
		Mime:        mime,
		Size:        int64(len(data)),
		StoragePath: rel,
		OwnerID:     ownerID,
		IsActive:    true,
		ScanStatus:  model.ScanClean,
		// Without a thumbnail hook there is nothing left to process.
		Processed: s.thumb == nil,
	}
	if s.scanPending {
		rec.ScanStatus = model.ScanPending
	}

	if _, err := s.index.CreateFile(ctx, rec); err != nil {
		// Another upload of the same content won the insert race. Drop
		// our blob and hand back the winner, whatever its scan status.
		if errors.Is(err, model.ErrDuplicateFile) {
			if delErr := s.blobs.Delete(ctx, rel); delErr != nil {
				logger.WarnCtx(ctx, "orphan blob after lost dedup race", "path", rel, "err", delErr)
			}
			winner, findErr := s.index.FindActiveByTuple(ctx, checksum, mime)
			if findErr != nil {
				return nil, fmt.Errorf("dedup race requery: %w", findErr)
			}
			return &Result{Record: winner, IsNew: false}, nil
		}
		if delErr := s.blobs.Delete(ctx, rel); delErr != nil {
			logger.WarnCtx(ctx, "orphan blob after failed insert", "path", rel, "err", delErr)
		}
		return nil, fmt.Errorf("insert file record: %w", err)
	}

	logger.InfoCtx(ctx, "file stored",
		"file_id", rec.ID, "mime", mime, "size", rec.Size, "owner_id", ownerID)

	if s.thumb != nil {
		s.generateThumbnail(rec, data)
	}
	return &Result{Record: rec, IsNew: true}, nil
}

// Get returns an active record and updates its last-accessed timestamp.
// The access-time update is best-effort and only logged on failure.
func (s *Service) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	rec, err := s.index.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.index.TouchLastAccessed(ctx, id); err != nil {
		logger.WarnCtx(ctx, "access-time update failed", "file_id", id, "err", err)
	}
	return rec, nil
}

// Open returns an active record together with an open handle on its blob.
// The caller owns the handle and must close it.
func (s *Service) Open(ctx context.Context, id string) (*model.FileRecord, blob.Handle, int64, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}

	ctx, span := telemetry.StartBlobSpan(ctx, "open", telemetry.StoragePath(rec.StoragePath))
	defer span.End()

	h, size, err := s.blobs.Open(ctx, rec.StoragePath)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, nil, 0, fmt.Errorf("open blob for %s: %w", id, err)
	}
	return rec, h, size, nil
}

// Read returns an active record and its full content.
func (s *Service) Read(ctx context.Context, id string) (*model.FileRecord, []byte, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Read(ctx, rec.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read blob for %s: %w", id, err)
	}
	return rec, data, nil
}

// SoftDelete marks a record inactive. Only the uploader may delete. The
// blob is retained; garbage collection is the cleanup reaper's job.
func (s *Service) SoftDelete(ctx context.Context, id, userID string) error {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanDelete, id)
	defer span.End()

	if err := s.index.SoftDeleteFile(ctx, id, userID); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "file soft-deleted", "file_id", id, "user_id", userID)
	return nil
}

// RecordDownload bumps the download counter and access time for a file.
func (s *Service) RecordDownload(ctx context.Context, id string) {
	if err := s.index.IncrementDownloadCount(ctx, id); err != nil {
		logger.WarnCtx(ctx, "download counter update failed", "file_id", id, "err", err)
	}
	if err := s.index.TouchLastAccessed(ctx, id); err != nil {
		logger.WarnCtx(ctx, "access-time update failed", "file_id", id, "err", err)
	}
}

// FindUnreferenced returns active records older than age with no active
// message attachment, up to limit.
func (s *Service) FindUnreferenced(ctx context.Context, age time.Duration, limit int) ([]*model.FileRecord, error) {
	return s.index.FindUnreferenced(ctx, s.now().Add(-age), limit)
}

// ReapUnreferenced deactivates unreferenced records older than age and
// deletes their blobs, up to limit per call. Returns the number of records
// collected. A blob deletion failure leaves the record inactive; the blob
// is retried as ordinary orphan garbage on a later pass.
func (s *Service) ReapUnreferenced(ctx context.Context, age time.Duration, limit int) (int, error) {
	recs, err := s.FindUnreferenced(ctx, age, limit)
	if err != nil {
		return 0, fmt.Errorf("enumerate unreferenced files: %w", err)
	}

	reaped := 0
	for _, rec := range recs {
		if err := s.index.DeactivateFile(ctx, rec.ID); err != nil {
			// Raced with an attachment or another reaper; skip.
			logger.WarnCtx(ctx, "unreferenced file deactivation failed", "file_id", rec.ID, "err", err)
			continue
		}
		if err := s.blobs.Delete(ctx, rec.StoragePath); err != nil {
			logger.WarnCtx(ctx, "orphan blob left behind by reaper", "path", rec.StoragePath, "err", err)
		}
		reaped++
		logger.InfoCtx(ctx, "unreferenced file reaped",
			"file_id", rec.ID, "age", s.now().Sub(rec.CreatedAt).String())
	}
	return reaped, nil
}

// Index exposes the metadata index for collaborators that need direct
// record operations (attachments, scan-status promotion).
func (s *Service) Index() *index.Store {
	return s.index
}

// Blobs exposes the blob store for collaborators handling staged chunks.
func (s *Service) Blobs() blob.Store {
	return s.blobs
}
