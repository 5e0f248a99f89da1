package handlers

import (
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/transcode"
)

// DownloadHandler serves the token-gated download and preview endpoints.
// These endpoints carry no user session; the capability token in the query
// string is the entire authorization.
type DownloadHandler struct {
	files      *filestore.Service
	tokens     *token.Service
	transcoder *transcode.Transcoder
}

// NewDownloadHandler creates a download handler. transcoder may be nil, in
// which case previews always serve original bytes.
func NewDownloadHandler(files *filestore.Service, tokens *token.Service, transcoder *transcode.Transcoder) *DownloadHandler {
	return &DownloadHandler{files: files, tokens: tokens, transcoder: transcoder}
}

// Download handles GET /files/download/{id}?token=…
//
// Always full-body with an attachment disposition. Validation consumes a
// download use and increments the file's download counter.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	if _, ok := h.authorize(w, r, fileID, token.PermissionDownload, "download"); !ok {
		return
	}

	rec, handle, size, err := h.files.Open(r.Context(), fileID)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("download", "error").Inc()
		FromError(w, err)
		return
	}
	defer handle.Close()

	h.files.RecordDownload(r.Context(), fileID)

	w.Header().Set("Content-Type", rec.Mime)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	w.Header().Set("Cache-Control", "private, no-cache")

	if _, err := io.Copy(w, handle); err != nil {
		// Headers are already out; all we can do is log.
		logger.Debug("download copy aborted", "file_id", fileID, "err", err)
	}
	metrics.DownloadsTotal.WithLabelValues("download", "ok").Inc()
}

// Preview handles GET /files/preview/{id}?token=…
//
// Serves inline, converting legacy video containers on demand and honouring
// Range requests for video so mobile players can seek.
func (h *DownloadHandler) Preview(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	if _, ok := h.authorize(w, r, fileID, token.PermissionRead, "preview"); !ok {
		return
	}

	quality := transcode.QualityMedium
	if q := r.URL.Query().Get("quality"); q != "" {
		quality = transcode.Quality(q)
		if !quality.Valid() {
			BadRequest(w, "unknown quality: "+q)
			return
		}
	}

	rec, data, err := h.files.Read(r.Context(), fileID)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("preview", "error").Inc()
		FromError(w, err)
		return
	}

	mimeType := rec.Mime

	// Legacy containers are rewritten to MP4 on demand. Conversion is
	// best-effort; on failure the original bytes fall through.
	convertFailed := false
	if h.transcoder != nil && transcode.NeedsConversion(mimeType) {
		start := time.Now()
		out, err := h.transcoder.Convert(r.Context(), rec.ID, data, quality)
		if err != nil {
			convertFailed = true
			logger.Warn("preview transcode failed, serving original",
				"file_id", rec.ID, "mime", mimeType, "err", err)
		} else {
			metrics.TranscodeDuration.
				WithLabelValues(string(quality), strconv.FormatBool(out.Cached)).
				Observe(time.Since(start).Seconds())
			w.Header().Set("X-Video-Converted", "true")
			w.Header().Set("X-Original-Format", mimeType)
			data = out.Bytes
			mimeType = "video/mp4"
		}
	}

	// Videos that no web player can decode are not worth streaming. A
	// failed conversion is the exception: degrading to the original bytes
	// beats a hard error when a conversion path exists but ffmpeg broke.
	if !convertFailed && strings.HasPrefix(mimeType, "video/") && !transcode.WebCompatible(mimeType) {
		metrics.DownloadsTotal.WithLabelValues("preview", "rejected").Inc()
		writeProblem(w, &Problem{
			Title:  "Unsupported Preview Format",
			Status: http.StatusBadRequest,
			Detail: "this video format cannot be previewed in a browser",
			Hint:   "use the download endpoint instead",
		})
		return
	}

	size := int64(len(data))

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && strings.HasPrefix(mimeType, "video/") {
		br, err := parseRange(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			WriteProblem(w, http.StatusRequestedRangeNotSatisfiable,
				"Range Not Satisfiable", err.Error())
			metrics.DownloadsTotal.WithLabelValues("preview", "rejected").Inc()
			return
		}

		h.previewHeaders(w, mimeType, rec.Name)
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(br.start, 10)+"-"+strconv.FormatInt(br.end, 10)+"/"+strconv.FormatInt(size, 10))
		w.Header().Set("Content-Length", strconv.FormatInt(br.length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[br.start : br.end+1])
		metrics.DownloadsTotal.WithLabelValues("preview", "ok").Inc()
		return
	}

	h.previewHeaders(w, mimeType, rec.Name)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	_, _ = w.Write(data)
	metrics.DownloadsTotal.WithLabelValues("preview", "ok").Inc()
}

// previewHeaders sets the shared success headers of the preview responses.
func (h *DownloadHandler) previewHeaders(w http.ResponseWriter, mimeType, name string) {
	w.Header().Set("Accept-Ranges", acceptRanges(mimeType))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
}

// authorize validates the query token against the path id. On failure the
// problem response has already been written.
func (h *DownloadHandler) authorize(w http.ResponseWriter, r *http.Request, fileID string, required token.Permission, kind string) (*token.Binding, bool) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		metrics.DownloadsTotal.WithLabelValues(kind, "denied").Inc()
		Unauthorized(w, "token query parameter is required")
		return nil, false
	}

	binding, err := h.tokens.ValidateForFile(r.Context(), tok, fileID, required, clientIP(r))
	if err != nil {
		metrics.TokenValidationsTotal.WithLabelValues("denied").Inc()
		metrics.DownloadsTotal.WithLabelValues(kind, "denied").Inc()
		h.writeAuthError(w, err)
		return nil, false
	}

	metrics.TokenValidationsTotal.WithLabelValues("ok").Inc()
	return binding, true
}

// writeAuthError keeps token failures in the 401/403 family even for
// errors FromError would classify differently.
func (h *DownloadHandler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrTokenNotFound):
		Unauthorized(w, "download token is invalid or expired")
	case errors.Is(err, token.ErrPermissionMissing),
		errors.Is(err, token.ErrIPMismatch),
		errors.Is(err, token.ErrUsesExhausted),
		errors.Is(err, token.ErrFileMismatch):
		Forbidden(w, err.Error())
	default:
		InternalServerError(w, err)
	}
}

// acceptRanges reports range support for media types, "none" otherwise.
func acceptRanges(mimeType string) string {
	if strings.HasPrefix(mimeType, "video/") || strings.HasPrefix(mimeType, "audio/") {
		return "bytes"
	}
	return "none"
}

// clientIP extracts the caller address for IP-pinned tokens. The RealIP
// middleware has already folded forwarding headers into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
