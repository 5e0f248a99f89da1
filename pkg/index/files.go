package index

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pulsechat/filecore/pkg/model"
)

// ============================================
// FILE RECORD OPERATIONS
// ============================================

// CreateFile inserts a new file record, generating an id if none is set.
// A dedup-index violation is reported as model.ErrDuplicateFile so callers
// can re-query the winning record.
func (s *Store) CreateFile(ctx context.Context, rec *model.FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now()

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", model.ErrDuplicateFile
		}
		return "", err
	}
	return rec.ID, nil
}

// GetFile returns an active file record by id.
func (s *Store) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&rec).Error
	if err != nil {
		return nil, convertNotFoundError(err, model.ErrFileNotFound)
	}
	return &rec, nil
}

// GetFileAny returns a file record by id regardless of the active flag.
// Used by cleanup and admin paths; request handlers use GetFile.
func (s *Store) GetFileAny(ctx context.Context, id string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		return nil, convertNotFoundError(err, model.ErrFileNotFound)
	}
	return &rec, nil
}

// FindDedup looks up the dedup target for (checksum, mime): the active,
// clean-scanned record holding the tuple. Returns model.ErrFileNotFound
// when no such record exists.
func (s *Store) FindDedup(ctx context.Context, checksum, mime string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := s.db.WithContext(ctx).
		Where("checksum = ? AND mime = ? AND is_active = ? AND scan_status = ?",
			checksum, mime, true, model.ScanClean).
		First(&rec).Error
	if err != nil {
		return nil, convertNotFoundError(err, model.ErrFileNotFound)
	}
	return &rec, nil
}

// FindActiveByTuple returns the active record holding (checksum, mime)
// regardless of scan status. This is the fallback when an insert loses the
// dedup-index race to a record that has not been scanned clean yet.
func (s *Store) FindActiveByTuple(ctx context.Context, checksum, mime string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := s.db.WithContext(ctx).
		Where("checksum = ? AND mime = ? AND is_active = ?", checksum, mime, true).
		First(&rec).Error
	if err != nil {
		return nil, convertNotFoundError(err, model.ErrFileNotFound)
	}
	return &rec, nil
}

// TouchLastAccessed updates the last-accessed timestamp of a record.
func (s *Store) TouchLastAccessed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("id = ?", id).
		Update("last_accessed_at", time.Now().UTC()).Error
}

// IncrementDownloadCount atomically bumps the download counter.
func (s *Store) IncrementDownloadCount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("id = ?", id).
		Update("download_count", gorm.Expr("download_count + 1")).Error
}

// SoftDeleteFile marks a record inactive. Only the uploader may delete;
// other callers get model.ErrNotOwner.
func (s *Store) SoftDeleteFile(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.FileRecord
		if err := tx.Where("id = ? AND is_active = ?", id, true).First(&rec).Error; err != nil {
			return convertNotFoundError(err, model.ErrFileNotFound)
		}
		if rec.OwnerID != userID {
			return model.ErrNotOwner
		}
		return tx.Model(&rec).Update("is_active", false).Error
	})
}

// DeactivateFile marks a record inactive without an ownership check.
// Reserved for the garbage-collection reaper; user-facing deletion goes
// through SoftDeleteFile.
func (s *Store) DeactivateFile(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrFileNotFound
	}
	return nil
}

// MarkProcessed records thumbnail completion for a file.
func (s *Store) MarkProcessed(ctx context.Context, id, thumbnailPath string) error {
	updates := map[string]any{"processed": true}
	if thumbnailPath != "" {
		updates["thumbnail_path"] = thumbnailPath
	}
	res := s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrFileNotFound
	}
	return nil
}

// SetScanStatus updates the virus-scan status of a file.
func (s *Store) SetScanStatus(ctx context.Context, id string, status model.ScanStatus) error {
	res := s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("id = ?", id).
		Update("scan_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrFileNotFound
	}
	return nil
}

// ListFilesByOwner returns a page of the user's active files, newest first,
// plus the total count for pagination.
func (s *Store) ListFilesByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.FileRecord, int64, error) {
	q := s.db.WithContext(ctx).
		Model(&model.FileRecord{}).
		Where("owner_id = ? AND is_active = ?", ownerID, true)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var recs []*model.FileRecord
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// FindUnreferenced returns active records created before the cutoff that
// have no active message attachment. These are garbage-collection
// candidates for the background reaper.
func (s *Store) FindUnreferenced(ctx context.Context, cutoff time.Time, limit int) ([]*model.FileRecord, error) {
	var recs []*model.FileRecord
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND created_at < ?", true, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM message_attachments a WHERE a.file_id = file_records.id AND a.is_active = ?)", true).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
