package filestore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/pkg/model"
)

// Thumbnailer produces a preview image for a freshly stored file. It is
// an external collaborator; the store only owns the invocation contract.
type Thumbnailer interface {
	// Thumbnail renders a preview of the file content. It returns the
	// encoded image and its extension ("jpg", "png"), or an error when
	// the content has no renderable preview.
	Thumbnail(ctx context.Context, rec *model.FileRecord, data []byte) (thumb []byte, ext string, err error)
}

// thumbnailTimeout bounds one hook invocation.
const thumbnailTimeout = 30 * time.Second

// thumbnailPath derives the sibling thumbnail path from the record's blob
// path: YYYY-MM/<file-id>_thumb.<ext>.
func thumbnailPath(storagePath, fileID, ext string) string {
	return path.Join(path.Dir(storagePath), fileID+"_thumb."+strings.TrimPrefix(ext, "."))
}

// generateThumbnail runs the hook in the background. Failures are logged
// and the record is marked processed either way so the upload pipeline
// never blocks on preview rendering.
func (s *Service) generateThumbnail(rec *model.FileRecord, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), thumbnailTimeout)
		defer cancel()

		rel, err := s.renderThumbnail(ctx, rec, data)
		if err != nil {
			logger.Warn("thumbnail generation failed", "file_id", rec.ID, "err", err)
		}
		if err := s.index.MarkProcessed(ctx, rec.ID, rel); err != nil {
			logger.Error("mark processed failed", "file_id", rec.ID, "err", err)
		}
	}()
}

func (s *Service) renderThumbnail(ctx context.Context, rec *model.FileRecord, data []byte) (string, error) {
	thumb, ext, err := s.thumb.Thumbnail(ctx, rec, data)
	if err != nil {
		return "", err
	}
	rel := thumbnailPath(rec.StoragePath, rec.ID, ext)
	if err := s.blobs.Put(ctx, rel, thumb); err != nil {
		return "", fmt.Errorf("write thumbnail blob: %w", err)
	}
	return rel, nil
}
