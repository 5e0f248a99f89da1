package model

import (
	"time"
)

// MessageAttachment links a stored file to a message.
//
// The message domain owns the message side; the file subsystem persists the
// link so it can answer "is this file visible via some message the caller
// can see?" through a policy callback. Uniqueness on (message id, file id).
type MessageAttachment struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	MessageID string `gorm:"uniqueIndex:idx_attachments_message_file;not null;size:36" json:"message_id"`
	FileID    string `gorm:"uniqueIndex:idx_attachments_message_file;index;not null;size:36" json:"file_id"`
	Caption   string `gorm:"size:1024" json:"caption,omitempty"`

	// Position orders attachments within a message.
	Position int  `gorm:"default:0" json:"position"`
	IsActive bool `gorm:"default:true" json:"is_active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for MessageAttachment.
func (MessageAttachment) TableName() string {
	return "message_attachments"
}
