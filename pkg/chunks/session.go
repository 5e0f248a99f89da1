// Package chunks implements the resumable chunked-upload session manager.
//
// Session state lives in the fast store under four keys per session:
//
//	chunk_session:<id>   hash  declared metadata + lifecycle status
//	chunk_uploaded:<id>  set   completed chunk indices
//	chunk_failed:<id>    set   failed chunk indices
//	chunk_progress:<id>  hash  denormalised progress snapshot
//
// All mutations of the two index sets go through scripted atomic updates,
// never read-modify-write, so concurrent chunk uploads for one session are
// linearisable and observers see monotonically non-decreasing percentages.
// Chunk bytes are staged in the blob store under chunks/<id>/.
package chunks

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Status is the lifecycle state of a chunk-upload session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusAssembling Status = "assembling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further chunk uploads.
// Cancelled sessions are terminal too, but may be revived within the grace
// window; that check needs the cancellation timestamp and lives on Session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Errors returned by the session manager.
var (
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrSessionNotOwned   = errors.New("upload session belongs to another user")
	ErrSessionTerminal   = errors.New("upload session is in a terminal state")
	ErrSessionExpired    = errors.New("upload session has expired")
	ErrBelowThreshold    = errors.New("file is below the chunked-upload threshold")
	ErrTooManyChunks     = errors.New("file requires more chunks than the session cap")
	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrChunkSizeMismatch = errors.New("chunk byte count does not match its declared size")
	ErrChunkHashMismatch = errors.New("chunk hash does not match its content")
	ErrWholeHashMismatch = errors.New("assembled file hash does not match the declared hash")
	ErrAssemblyTooLarge  = errors.New("assembled size exceeds the global maximum")
	ErrAssembledSize     = errors.New("assembled byte count does not match the declared total size")
)

// IncompleteError reports the chunk indices still missing at completion.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}

// Session is a chunked upload in progress.
type Session struct {
	ID          string
	UserID      string
	FileName    string
	Mime        string
	TotalSize   int64
	ChunkSize   int64
	TotalChunks int

	Status    Status
	LastError string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CancelledAt time.Time // zero unless status is cancelled
}

// Revivable reports whether a cancelled session is still inside the grace
// window at the given instant.
func (s *Session) Revivable(now time.Time, grace time.Duration) bool {
	return s.Status == StatusCancelled &&
		!s.CancelledAt.IsZero() &&
		now.Before(s.CancelledAt.Add(grace))
}

// ChunkDeclaredSize returns the expected byte count of the chunk at idx:
// the fixed chunk size for all but the last, which carries the remainder.
func (s *Session) ChunkDeclaredSize(idx int) int64 {
	if idx == s.TotalChunks-1 {
		return s.TotalSize - int64(idx)*s.ChunkSize
	}
	return s.ChunkSize
}

// Progress is the client-visible snapshot of a session.
type Progress struct {
	SessionID   string `json:"session_id"`
	Status      Status `json:"status"`
	Completed   int    `json:"completed_chunks"`
	TotalChunks int    `json:"total_chunks"`
	Failed      []int  `json:"failed_chunks,omitempty"`
	Percent     int    `json:"percent"`
	Terminal    bool   `json:"terminal"`
}

// ============================================================================
// Key layout
// ============================================================================

func sessionKey(id string) string  { return "chunk_session:" + id }
func uploadedKey(id string) string { return "chunk_uploaded:" + id }
func failedKey(id string) string   { return "chunk_failed:" + id }
func progressKey(id string) string { return "chunk_progress:" + id }

// SessionKeys returns every fast-store key owned by a session, in the order
// (session, uploaded, failed, progress). The cleanup reaper deletes them as
// one batch.
func SessionKeys(id string) []string {
	return []string{sessionKey(id), uploadedKey(id), failedKey(id), progressKey(id)}
}

// SessionKeyPattern matches all session hashes for SCAN-based sweeps.
const SessionKeyPattern = "chunk_session:*"

// SessionIDFromKey strips the key prefix from a scanned session key.
func SessionIDFromKey(key string) string {
	const prefix = "chunk_session:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return ""
}

// ============================================================================
// Hash (de)serialisation
// ============================================================================

func (s *Session) fields() map[string]string {
	f := map[string]string{
		"id":           s.ID,
		"user_id":      s.UserID,
		"file_name":    s.FileName,
		"mime":         s.Mime,
		"total_size":   strconv.FormatInt(s.TotalSize, 10),
		"chunk_size":   strconv.FormatInt(s.ChunkSize, 10),
		"total_chunks": strconv.Itoa(s.TotalChunks),
		"status":       string(s.Status),
		"last_error":   s.LastError,
		"created_at":   strconv.FormatInt(s.CreatedAt.Unix(), 10),
		"updated_at":   strconv.FormatInt(s.UpdatedAt.Unix(), 10),
		"expires_at":   strconv.FormatInt(s.ExpiresAt.Unix(), 10),
	}
	if !s.CancelledAt.IsZero() {
		f["cancelled_at"] = strconv.FormatInt(s.CancelledAt.Unix(), 10)
	}
	return f
}

func parseSession(fields map[string]string) (*Session, error) {
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	s := &Session{
		ID:        fields["id"],
		UserID:    fields["user_id"],
		FileName:  fields["file_name"],
		Mime:      fields["mime"],
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}

	var err error
	if s.TotalSize, err = strconv.ParseInt(fields["total_size"], 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt session %q: total_size: %w", s.ID, err)
	}
	if s.ChunkSize, err = strconv.ParseInt(fields["chunk_size"], 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt session %q: chunk_size: %w", s.ID, err)
	}
	if s.TotalChunks, err = strconv.Atoi(fields["total_chunks"]); err != nil {
		return nil, fmt.Errorf("corrupt session %q: total_chunks: %w", s.ID, err)
	}

	s.CreatedAt = parseUnix(fields["created_at"])
	s.UpdatedAt = parseUnix(fields["updated_at"])
	s.ExpiresAt = parseUnix(fields["expires_at"])
	s.CancelledAt = parseUnix(fields["cancelled_at"])
	return s, nil
}

func parseUnix(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// parseIndexSet converts a set of decimal index members to sorted ints.
func parseIndexSet(members []string) []int {
	out := make([]int, 0, len(members))
	for _, m := range members {
		if n, err := strconv.Atoi(m); err == nil {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
