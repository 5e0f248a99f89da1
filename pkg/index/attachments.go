package index

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/filecore/pkg/model"
)

// ============================================
// MESSAGE ATTACHMENT OPERATIONS
// ============================================

// CreateAttachment links a file to a message. The (message id, file id)
// pair is unique; re-linking reports model.ErrDuplicateAttachment.
func (s *Store) CreateAttachment(ctx context.Context, att *model.MessageAttachment) (string, error) {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	att.CreatedAt = time.Now()

	if err := s.db.WithContext(ctx).Create(att).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", model.ErrDuplicateAttachment
		}
		return "", err
	}
	return att.ID, nil
}

// GetAttachment returns an attachment by id.
func (s *Store) GetAttachment(ctx context.Context, id string) (*model.MessageAttachment, error) {
	var att model.MessageAttachment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&att).Error
	if err != nil {
		return nil, convertNotFoundError(err, model.ErrAttachmentNotFound)
	}
	return &att, nil
}

// ListAttachmentsByMessage returns the active attachments of a message in
// display order.
func (s *Store) ListAttachmentsByMessage(ctx context.Context, messageID string) ([]*model.MessageAttachment, error) {
	var atts []*model.MessageAttachment
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND is_active = ?", messageID, true).
		Order("position ASC").
		Find(&atts).Error
	if err != nil {
		return nil, err
	}
	return atts, nil
}

// MessageIDsForFile returns the ids of messages the file is actively
// attached to. The access-control policy callback uses this to decide
// whether a caller can see the file through any of those messages.
func (s *Store) MessageIDsForFile(ctx context.Context, fileID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.MessageAttachment{}).
		Where("file_id = ? AND is_active = ?", fileID, true).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// HasActiveAttachment reports whether any active message references the file.
func (s *Store) HasActiveAttachment(ctx context.Context, fileID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.MessageAttachment{}).
		Where("file_id = ? AND is_active = ?", fileID, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeactivateAttachment soft-removes a single attachment.
func (s *Store) DeactivateAttachment(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&model.MessageAttachment{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrAttachmentNotFound
	}
	return nil
}
