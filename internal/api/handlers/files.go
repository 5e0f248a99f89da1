package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsechat/filecore/internal/api/auth"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/model"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/transcode"
	"github.com/pulsechat/filecore/pkg/validate"
)

// Batch ceilings per request.
const (
	maxBatchUploads = 10
	maxBatchLinks   = 20
)

// defaultListLimit bounds unpaginated file listings.
const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// AccessPolicy answers whether a user can see the given message. It is the
// boundary to the conversation domain; the file core never inspects
// conversation membership itself.
type AccessPolicy func(ctx context.Context, userID, messageID string) (bool, error)

// AllowAll is an AccessPolicy that grants every request. Suitable only for
// tests and single-tenant deployments.
func AllowAll(context.Context, string, string) (bool, error) { return true, nil }

// FileHandler serves the authenticated file management endpoints.
type FileHandler struct {
	files      *filestore.Service
	tokens     *token.Service
	transcoder *transcode.Transcoder
	policy     AccessPolicy
	maxUpload  int64
}

// NewFileHandler creates a file handler. transcoder may be nil; it is only
// used to evict cached conversions when a file is deleted.
func NewFileHandler(files *filestore.Service, tokens *token.Service, transcoder *transcode.Transcoder, policy AccessPolicy, maxUpload int64) *FileHandler {
	if policy == nil {
		policy = AllowAll
	}
	return &FileHandler{
		files:      files,
		tokens:     tokens,
		transcoder: transcoder,
		policy:     policy,
		maxUpload:  maxUpload,
	}
}

// uploadResult is the per-file outcome of an upload.
type uploadResult struct {
	File          *model.FileRecord `json:"file,omitempty"`
	IsNew         bool              `json:"is_new"`
	DownloadToken string            `json:"download_token,omitempty"`
	DownloadURL   string            `json:"download_url,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`

	// Batch-only fields.
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// Upload handles POST /files/upload (multipart, field "file").
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		metrics.UploadsTotal.WithLabelValues("single", "rejected").Inc()
		BadRequest(w, "invalid multipart request: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("single", "rejected").Inc()
		BadRequest(w, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	result, err := h.uploadOne(r.Context(), userID, header, file)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("single", outcomeLabel(err)).Inc()
		FromError(w, err)
		return
	}
	metrics.UploadsTotal.WithLabelValues("single", "ok").Inc()

	if result.IsNew {
		WriteJSONCreated(w, result)
	} else {
		WriteJSONOK(w, result)
	}
}

// UploadBatch handles POST /files/upload/batch (multipart, field "files").
// Each file succeeds or fails independently.
func (h *FileHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload*maxBatchUploads)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		BadRequest(w, "invalid multipart request: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		BadRequest(w, `multipart field "files" is required`)
		return
	}
	if len(headers) > maxBatchUploads {
		BadRequest(w, "at most "+strconv.Itoa(maxBatchUploads)+" files per batch")
		return
	}

	results := make([]*uploadResult, 0, len(headers))
	for _, header := range headers {
		result := h.uploadBatchEntry(r.Context(), userID, header)
		results = append(results, result)
	}

	WriteJSONOK(w, map[string]any{"results": results})
}

func (h *FileHandler) uploadBatchEntry(ctx context.Context, userID string, header *multipart.FileHeader) *uploadResult {
	file, err := header.Open()
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("batch", "error").Inc()
		return &uploadResult{Name: header.Filename, Error: "failed to read file part"}
	}
	defer file.Close()

	result, err := h.uploadOne(ctx, userID, header, file)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("batch", outcomeLabel(err)).Inc()
		return &uploadResult{Name: header.Filename, Error: err.Error()}
	}
	metrics.UploadsTotal.WithLabelValues("batch", "ok").Inc()

	result.Name = header.Filename
	return result
}

// uploadOne runs the single-shot pipeline for one multipart part and mints
// a download token for the resulting record.
func (h *FileHandler) uploadOne(ctx context.Context, userID string, header *multipart.FileHeader, file multipart.File) (*uploadResult, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	res, err := h.files.Upload(ctx, header.Filename, mime, data, userID)
	if err != nil {
		return nil, err
	}

	metrics.UploadBytes.Observe(float64(len(data)))
	if !res.IsNew {
		metrics.DedupHitsTotal.Inc()
	}

	binding, err := h.tokens.Issue(ctx, res.Record.ID, userID, token.Options{})
	if err != nil {
		return nil, err
	}

	return &uploadResult{
		File:          res.Record,
		IsNew:         res.IsNew,
		DownloadToken: binding.Token,
		DownloadURL:   downloadURL(res.Record.ID, binding.Token),
		ExpiresAt:     binding.ExpiresAt,
	}, nil
}

func downloadURL(fileID, tok string) string {
	return "/files/download/" + fileID + "?token=" + tok
}

// downloadURLRequest is the body of POST /files/{id}/download-url.
type downloadURLRequest struct {
	// ExpiresIn is the requested token lifetime in seconds. Clamped to
	// the 5 minute - 24 hour window; zero selects the 1 hour default.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// MaxDownloads caps how many times the token can be used. Zero means
	// unlimited within the lifetime.
	MaxDownloads int `json:"max_downloads,omitempty"`
}

// DownloadURL handles POST /files/{id}/download-url.
func (h *FileHandler) DownloadURL(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	fileID := chi.URLParam(r, "id")

	var req downloadURLRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body: "+err.Error())
			return
		}
	}

	rec, err := h.files.Get(r.Context(), fileID)
	if err != nil {
		FromError(w, err)
		return
	}
	if !h.canAccess(r.Context(), userID, rec) {
		NotFound(w, model.ErrFileNotFound.Error())
		return
	}

	binding, err := h.tokens.Issue(r.Context(), rec.ID, userID, token.Options{
		ExpiresIn: time.Duration(req.ExpiresIn) * time.Second,
		MaxUses:   req.MaxDownloads,
	})
	if err != nil {
		FromError(w, err)
		return
	}

	WriteJSONCreated(w, map[string]any{
		"token":        binding.Token,
		"download_url": downloadURL(rec.ID, binding.Token),
		"expires_at":   binding.ExpiresAt,
		"max_uses":     binding.MaxUses,
	})
}

// canAccess reports whether the user may reference the file: the uploader
// always can, anyone else only through a message they can see.
func (h *FileHandler) canAccess(ctx context.Context, userID string, rec *model.FileRecord) bool {
	if rec.OwnerID == userID {
		return true
	}

	messageIDs, err := h.files.Index().MessageIDsForFile(ctx, rec.ID)
	if err != nil {
		logger.Warn("attachment lookup failed", "file_id", rec.ID, "err", err)
		return false
	}
	for _, messageID := range messageIDs {
		ok, err := h.policy(ctx, userID, messageID)
		if err != nil {
			logger.Warn("access policy failed", "message_id", messageID, "err", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// linkMessageRequest is the body of POST /files/{id}/link-message.
type linkMessageRequest struct {
	MessageID string `json:"message_id"`
	Caption   string `json:"caption,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// LinkMessage handles POST /files/{id}/link-message.
func (h *FileHandler) LinkMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	fileID := chi.URLParam(r, "id")

	var req linkMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.MessageID == "" {
		BadRequest(w, "message_id is required")
		return
	}

	att, err := h.linkOne(r.Context(), userID, fileID, req.MessageID, req.Caption, req.Position)
	if err != nil {
		FromError(w, err)
		return
	}

	WriteJSONCreated(w, att)
}

// batchLinkRequest is the body of POST /files/batch/link-message.
type batchLinkRequest struct {
	MessageID   string `json:"message_id"`
	Attachments []struct {
		FileID  string `json:"file_id"`
		Caption string `json:"caption,omitempty"`
	} `json:"attachments"`
}

// batchLinkResult is the per-attachment outcome.
type batchLinkResult struct {
	FileID     string                   `json:"file_id"`
	Attachment *model.MessageAttachment `json:"attachment,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// BatchLinkMessage handles POST /files/batch/link-message. Each attachment
// succeeds or fails independently; position follows request order.
func (h *FileHandler) BatchLinkMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req batchLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.MessageID == "" {
		BadRequest(w, "message_id is required")
		return
	}
	if len(req.Attachments) == 0 {
		BadRequest(w, "attachments is required")
		return
	}
	if len(req.Attachments) > maxBatchLinks {
		BadRequest(w, "at most "+strconv.Itoa(maxBatchLinks)+" attachments per batch")
		return
	}

	results := make([]*batchLinkResult, 0, len(req.Attachments))
	for i, item := range req.Attachments {
		att, err := h.linkOne(r.Context(), userID, item.FileID, req.MessageID, item.Caption, i)
		if err != nil {
			results = append(results, &batchLinkResult{FileID: item.FileID, Error: err.Error()})
			continue
		}
		results = append(results, &batchLinkResult{FileID: item.FileID, Attachment: att})
	}

	WriteJSONOK(w, map[string]any{"results": results})
}

// linkOne attaches one file the user can reference to a message.
func (h *FileHandler) linkOne(ctx context.Context, userID, fileID, messageID, caption string, position int) (*model.MessageAttachment, error) {
	rec, err := h.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !h.canAccess(ctx, userID, rec) {
		return nil, model.ErrFileNotFound
	}

	att := &model.MessageAttachment{
		MessageID: messageID,
		FileID:    rec.ID,
		Caption:   caption,
		Position:  position,
		IsActive:  true,
	}
	if _, err := h.files.Index().CreateAttachment(ctx, att); err != nil {
		return nil, err
	}
	return att, nil
}

// List handles GET /files (own files, paginated).
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	files, total, err := h.files.Index().ListFilesByOwner(r.Context(), userID, limit, offset)
	if err != nil {
		FromError(w, err)
		return
	}

	WriteJSONOK(w, map[string]any{
		"files":  files,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /files/{id}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	rec, err := h.files.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		FromError(w, err)
		return
	}
	if !h.canAccess(r.Context(), userID, rec) {
		NotFound(w, model.ErrFileNotFound.Error())
		return
	}

	WriteJSONOK(w, rec)
}

// Delete handles DELETE /files/{id}. Only the uploader may delete; the blob
// is retained for the garbage collector.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	fileID := chi.URLParam(r, "id")

	if err := h.files.SoftDelete(r.Context(), fileID, userID); err != nil {
		FromError(w, err)
		return
	}

	if h.transcoder != nil {
		h.transcoder.EvictCache(fileID)
	}

	WriteNoContent(w)
}

// attachmentView pairs an attachment with its file metadata.
type attachmentView struct {
	*model.MessageAttachment
	File *model.FileRecord `json:"file,omitempty"`
}

// MessageAttachments handles GET /files/message/{message_id}/attachments.
// Visibility of the message is decided by the access policy.
func (h *FileHandler) MessageAttachments(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	messageID := chi.URLParam(r, "message_id")

	ok, err := h.policy(r.Context(), userID, messageID)
	if err != nil {
		InternalServerError(w, err)
		return
	}
	if !ok {
		Forbidden(w, "message is not visible to the caller")
		return
	}

	atts, err := h.files.Index().ListAttachmentsByMessage(r.Context(), messageID)
	if err != nil {
		FromError(w, err)
		return
	}

	views := make([]*attachmentView, 0, len(atts))
	for _, att := range atts {
		view := &attachmentView{MessageAttachment: att}
		rec, err := h.files.Get(r.Context(), att.FileID)
		if err == nil {
			view.File = rec
		} else if !errors.Is(err, model.ErrFileNotFound) {
			logger.Warn("attachment file lookup failed", "file_id", att.FileID, "err", err)
		}
		views = append(views, view)
	}

	WriteJSONOK(w, map[string]any{"attachments": views})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// outcomeLabel distinguishes client rejections from server failures for
// the upload counters.
func outcomeLabel(err error) string {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return "rejected"
	}
	return "error"
}
