// Package api assembles the HTTP surface of the file core.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulsechat/filecore/internal/api/auth"
	"github.com/pulsechat/filecore/internal/api/handlers"
	apiMiddleware "github.com/pulsechat/filecore/internal/api/middleware"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/index"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/transcode"
)

// apiTimeout bounds the JSON management endpoints. Download, preview, and
// the websocket channel are exempt; the server write timeout covers them.
const apiTimeout = 30 * time.Second

// Deps carries the collaborators the router wires into handlers.
type Deps struct {
	Verifier   *auth.Verifier
	Files      *filestore.Service
	Tokens     *token.Service
	Transcoder *transcode.Transcoder

	// Policy decides message visibility for attachment listings and
	// shared-file access. Nil allows everything.
	Policy handlers.AccessPolicy

	// Health probe targets.
	KV    fastkv.FastKV
	Index *index.Store
	Blobs blob.Store

	// MaxUploadSize caps multipart bodies in bytes.
	MaxUploadSize int64

	// Uploads, when set, is mounted at /file-upload for the websocket
	// notification channel.
	Uploads http.Handler
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET  /health                  - liveness probe
//   - GET  /health/ready            - readiness probe (fast store, index, blobs)
//   - POST /files/upload            - single-shot upload (multipart "file")
//   - POST /files/upload/batch      - up to 10 files (multipart "files")
//   - GET  /files                   - list own files, paginated
//   - GET  /files/{id}              - file metadata
//   - DELETE /files/{id}            - soft delete (owner only)
//   - POST /files/{id}/download-url - mint a capability token
//   - POST /files/{id}/link-message - attach the file to a message
//   - POST /files/batch/link-message- up to 20 attachments in one call
//   - GET  /files/message/{message_id}/attachments - visible attachments
//   - GET  /files/download/{id}     - token-gated binary download
//   - GET  /files/preview/{id}      - token-gated inline preview with Range
//   - /file-upload                  - websocket upload channel (when wired)
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.KV, deps.Index, deps.Blobs)
	fileHandler := handlers.NewFileHandler(deps.Files, deps.Tokens, deps.Transcoder, deps.Policy, deps.MaxUploadSize)
	downloadHandler := handlers.NewDownloadHandler(deps.Files, deps.Tokens, deps.Transcoder)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	// Token-gated binary endpoints. No session auth and no timeout
	// middleware: large downloads outlive the JSON API timeout.
	r.Get("/files/download/{id}", downloadHandler.Download)
	r.Get("/files/preview/{id}", downloadHandler.Preview)

	// Authenticated JSON management endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Use(apiMiddleware.JWTAuth(deps.Verifier))

		r.Route("/files", func(r chi.Router) {
			r.Post("/upload", fileHandler.Upload)
			r.Post("/upload/batch", fileHandler.UploadBatch)
			r.Post("/batch/link-message", fileHandler.BatchLinkMessage)
			r.Get("/", fileHandler.List)
			r.Get("/message/{message_id}/attachments", fileHandler.MessageAttachments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", fileHandler.Get)
				r.Delete("/", fileHandler.Delete)
				r.Post("/download-url", fileHandler.DownloadURL)
				r.Post("/link-message", fileHandler.LinkMessage)
			})
		})
	})

	// Websocket upload channel; it authenticates its own handshake.
	if deps.Uploads != nil {
		r.Handle("/file-upload", deps.Uploads)
	}

	return r
}

// isHealthPath returns true if the request path is a healthcheck endpoint.
func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger is a custom middleware that logs requests using the
// internal logger. Healthcheck requests log at DEBUG to reduce noise.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
