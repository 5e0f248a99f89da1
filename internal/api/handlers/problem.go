// Package handlers provides the HTTP handlers of the file API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/model"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/validate"
)

// Problem represents an RFC 7807 "problem details" response.
// https://tools.ietf.org/html/rfc7807
type Problem struct {
	// Type is a URI reference that identifies the problem type.
	// If not set, defaults to "about:blank".
	Type string `json:"type,omitempty"`

	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`

	// Status is the HTTP status code for this occurrence of the problem.
	Status int `json:"status"`

	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`

	// Reasons carries the individual validation failures for 400 responses
	// produced by upload validation (extension member).
	Reasons []string `json:"reasons,omitempty"`

	// MissingChunks lists the chunk indices still outstanding when a
	// completion request is premature (extension member).
	MissingChunks []int `json:"missing_chunks,omitempty"`

	// Hint suggests a recovery action the client can take (extension member).
	Hint string `json:"hint,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for RFC 7807 problem responses.
const ContentTypeProblemJSON = "application/problem+json"

// WriteProblem writes an RFC 7807 problem response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem *Problem) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// Common problem helper functions for standard HTTP errors.

// BadRequest writes a 400 Bad Request problem response.
func BadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusBadRequest, "Bad Request", detail)
}

// Unauthorized writes a 401 Unauthorized problem response.
func Unauthorized(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// Forbidden writes a 403 Forbidden problem response.
func Forbidden(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusForbidden, "Forbidden", detail)
}

// NotFound writes a 404 Not Found problem response.
func NotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusNotFound, "Not Found", detail)
}

// Conflict writes a 409 Conflict problem response.
func Conflict(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusConflict, "Conflict", detail)
}

// InternalServerError writes a 500 Internal Server Error problem response.
// The internal detail is logged, never surfaced.
func InternalServerError(w http.ResponseWriter, err error) {
	logger.Error("internal server error", "err", err)
	WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "an internal error occurred")
}

// FromError maps a domain error onto its problem response.
//
// The mapping follows the five error kinds: validation failures are 400
// with the reason list, authorization failures are 401/403, missing
// entities are 404, state conflicts are 400/409, and everything else is a
// logged 500 with a generic body.
func FromError(w http.ResponseWriter, err error) {
	var verr *validate.Error
	if errors.As(err, &verr) {
		writeProblem(w, &Problem{
			Title:   "Validation Failed",
			Status:  http.StatusBadRequest,
			Detail:  "the file was rejected",
			Reasons: verr.Reasons,
		})
		return
	}

	var incomplete *chunks.IncompleteError
	if errors.As(err, &incomplete) {
		writeProblem(w, &Problem{
			Title:         "Upload Incomplete",
			Status:        http.StatusBadRequest,
			Detail:        "not all chunks have been uploaded",
			MissingChunks: incomplete.Missing,
		})
		return
	}

	switch {
	case errors.Is(err, model.ErrFileNotFound),
		errors.Is(err, model.ErrAttachmentNotFound),
		errors.Is(err, blob.ErrBlobNotFound),
		errors.Is(err, chunks.ErrSessionNotFound):
		NotFound(w, err.Error())

	case errors.Is(err, token.ErrTokenNotFound):
		Unauthorized(w, "download token is invalid or expired")

	case errors.Is(err, token.ErrPermissionMissing),
		errors.Is(err, token.ErrIPMismatch),
		errors.Is(err, token.ErrUsesExhausted),
		errors.Is(err, token.ErrFileMismatch),
		errors.Is(err, token.ErrTokenNotOwned),
		errors.Is(err, model.ErrNotOwner),
		errors.Is(err, chunks.ErrSessionNotOwned):
		Forbidden(w, err.Error())

	case errors.Is(err, model.ErrDuplicateAttachment):
		Conflict(w, err.Error())

	case errors.Is(err, chunks.ErrSessionTerminal),
		errors.Is(err, chunks.ErrSessionExpired),
		errors.Is(err, chunks.ErrBelowThreshold),
		errors.Is(err, chunks.ErrTooManyChunks),
		errors.Is(err, chunks.ErrInvalidChunkIndex),
		errors.Is(err, chunks.ErrChunkSizeMismatch),
		errors.Is(err, chunks.ErrChunkHashMismatch),
		errors.Is(err, chunks.ErrWholeHashMismatch),
		errors.Is(err, chunks.ErrAssemblyTooLarge),
		errors.Is(err, chunks.ErrAssembledSize),
		errors.Is(err, blob.ErrPathEscape):
		BadRequest(w, err.Error())

	default:
		InternalServerError(w, err)
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteJSONOK writes a 200 OK JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONCreated writes a 201 Created JSON response.
func WriteJSONCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
