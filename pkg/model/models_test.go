package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanStatusIsValid(t *testing.T) {
	valid := []ScanStatus{ScanPending, ScanClean, ScanInfected, ScanFailed, ScanTimeout}
	for _, s := range valid {
		assert.True(t, s.IsValid(), "expected %q to be valid", s)
	}

	assert.False(t, ScanStatus("").IsValid())
	assert.False(t, ScanStatus("quarantined").IsValid())
}

func TestFileRecordDedupable(t *testing.T) {
	f := &FileRecord{IsActive: true, ScanStatus: ScanClean}
	assert.True(t, f.Dedupable())

	f.ScanStatus = ScanPending
	assert.False(t, f.Dedupable())

	f.ScanStatus = ScanClean
	f.IsActive = false
	assert.False(t, f.Dedupable())
}

func TestFileRecordTouch(t *testing.T) {
	f := &FileRecord{}
	assert.Nil(t, f.LastAccessedAt)

	before := time.Now().UTC().Add(-time.Second)
	f.Touch()

	assert.NotNil(t, f.LastAccessedAt)
	assert.True(t, f.LastAccessedAt.After(before))
}

func TestAllModels(t *testing.T) {
	models := AllModels()
	assert.Len(t, models, 2)
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "file_records", FileRecord{}.TableName())
	assert.Equal(t, "message_attachments", MessageAttachment{}.TableName())
}
