package model

import (
	"time"
)

// ScanStatus represents the virus-scan state of a stored file.
type ScanStatus string

const (
	// ScanPending means the file has not been scanned yet.
	ScanPending ScanStatus = "pending"
	// ScanClean means the file passed the scan.
	ScanClean ScanStatus = "clean"
	// ScanInfected means the scanner flagged the file.
	ScanInfected ScanStatus = "infected"
	// ScanFailed means the scanner returned an error.
	ScanFailed ScanStatus = "failed"
	// ScanTimeout means the scan did not finish in time.
	ScanTimeout ScanStatus = "timeout"
)

// IsValid checks if the status is a known ScanStatus.
func (s ScanStatus) IsValid() bool {
	switch s {
	case ScanPending, ScanClean, ScanInfected, ScanFailed, ScanTimeout:
		return true
	}
	return false
}

// FileRecord is the canonical metadata entity for a stored file.
//
// Content is deduplicated by (checksum, mime) among active records: two
// uploads of identical bytes with the same declared MIME share one record
// and one backing blob. The index is authoritative; a blob without an
// active record is garbage.
type FileRecord struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Checksum string `gorm:"index;not null;size:64" json:"checksum"`
	Name     string `gorm:"not null;size:255" json:"name"`
	Mime     string `gorm:"not null;size:127" json:"mime"`
	Size     int64  `gorm:"not null" json:"size"`

	// StoragePath is relative to the blob store root (YYYY-MM/<id>.<ext>).
	StoragePath   string `gorm:"not null;size:512" json:"-"`
	ThumbnailPath string `gorm:"size:512" json:"thumbnail_path,omitempty"`

	OwnerID string `gorm:"index;not null;size:36" json:"owner_id"`

	IsActive   bool       `gorm:"default:true" json:"is_active"`
	ScanStatus ScanStatus `gorm:"default:pending;size:20" json:"scan_status"`
	Processed  bool       `gorm:"default:false" json:"processed"`

	DownloadCount  int64      `gorm:"default:0" json:"download_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for FileRecord.
func (FileRecord) TableName() string {
	return "file_records"
}

// Dedupable reports whether the record can serve as a dedup hit.
// Only active records that scanned clean are reused for new uploads.
func (f *FileRecord) Dedupable() bool {
	return f.IsActive && f.ScanStatus == ScanClean
}

// Touch updates the last-accessed timestamp to now.
func (f *FileRecord) Touch() {
	now := time.Now().UTC()
	f.LastAccessedAt = &now
}
