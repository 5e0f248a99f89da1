package model

import "errors"

// Common errors for file and attachment persistence.
var (
	// File errors
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateFile = errors.New("file already exists")
	ErrFileInactive  = errors.New("file has been deleted")
	ErrNotOwner      = errors.New("caller does not own the file")

	// Attachment errors
	ErrAttachmentNotFound  = errors.New("attachment not found")
	ErrDuplicateAttachment = errors.New("file is already attached to this message")
)
