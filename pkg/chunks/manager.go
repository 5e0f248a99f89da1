package chunks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pulsechat/filecore/internal/bytesize"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/telemetry"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/validate"
)

// Config tunes the session manager.
type Config struct {
	// ChunkSize is the fixed chunk size; files below it take the
	// single-shot path instead.
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`

	// MaxChunks caps total_chunks per session.
	MaxChunks int `mapstructure:"max_chunks" yaml:"max_chunks"`

	// SessionTTL is the idle lifetime of a session; every successful
	// chunk refreshes it.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// GraceWindow is how long a cancelled session stays revivable.
	GraceWindow time.Duration `mapstructure:"grace_window" yaml:"grace_window"`

	// MaxAssembled bounds the in-memory assembled size.
	MaxAssembled bytesize.ByteSize `mapstructure:"max_assembled" yaml:"max_assembled"`

	// AssemblyReaders bounds parallel chunk reads during assembly.
	AssemblyReaders int `mapstructure:"assembly_readers" yaml:"assembly_readers"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = bytesize.MiB
	}
	if c.MaxChunks == 0 {
		c.MaxChunks = 1000
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 5 * time.Minute
	}
	if c.MaxAssembled == 0 {
		c.MaxAssembled = 100 * bytesize.MiB
	}
	if c.AssemblyReaders == 0 {
		c.AssemblyReaders = 4
	}
}

// Manager owns the chunk-upload session lifecycle.
type Manager struct {
	kv    fastkv.FastKV
	files *filestore.Service
	blobs blob.Store
	cfg   Config
	now   func() time.Time
}

// New creates a session manager. Chunk bytes are staged in the file
// service's blob store.
func New(kv fastkv.FastKV, files *filestore.Service, cfg Config) *Manager {
	cfg.ApplyDefaults()
	return &Manager{
		kv:    kv,
		files: files,
		blobs: files.Blobs(),
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ChunkSize returns the configured chunk size, which is also the
// single-shot threshold.
func (m *Manager) ChunkSize() int64 {
	return m.cfg.ChunkSize.Int64()
}

// ============================================================================
// Lifecycle operations
// ============================================================================

// Initiate creates a new session for a file of the declared name, MIME and
// size. Files below the chunk size are rejected; they take the single-shot
// path. Content sniffing is deferred to Complete, when the bytes exist.
func (m *Manager) Initiate(ctx context.Context, name, mime string, totalSize int64, userID string) (*Session, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanChunkInitiate)
	defer span.End()

	if err := validate.Declared(name, mime, totalSize); err != nil {
		return nil, err
	}
	chunkSize := m.cfg.ChunkSize.Int64()
	if totalSize < chunkSize {
		return nil, ErrBelowThreshold
	}

	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	if totalChunks > m.cfg.MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks needed, cap is %d", ErrTooManyChunks, totalChunks, m.cfg.MaxChunks)
	}

	now := m.now().UTC()
	sess := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		FileName:    name,
		Mime:        validate.NormalizeMime(mime),
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.SessionTTL),
	}

	args := []string{strconv.Itoa(int(m.cfg.SessionTTL.Seconds()))}
	for k, v := range sess.fields() {
		args = append(args, k, v)
	}
	keys := []string{sessionKey(sess.ID), progressKey(sess.ID)}
	if _, err := m.kv.Eval(ctx, initSessionScript, keys, args...); err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	span.SetAttributes(telemetry.SessionID(sess.ID), telemetry.ChunkCount(totalChunks))
	logger.InfoCtx(ctx, "chunk session initiated",
		"session_id", sess.ID, "user_id", userID, "total_size", totalSize, "total_chunks", totalChunks)
	return sess, nil
}

// UploadChunk stores one chunk. Re-uploading a completed index is a
// successful no-op. A cancelled session still inside the grace window is
// revived to uploading by any chunk upload, completed-index replays
// included.
//
// Distinct indices upload in parallel without mutual blocking; the index
// sets are only ever mutated through atomic scripts.
func (m *Manager) UploadChunk(ctx context.Context, sessionID string, idx int, data []byte, chunkHash, userID string) (*Progress, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanChunkUpload, sessionID, telemetry.ChunkIndex(idx))
	defer span.End()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() && !sess.Revivable(m.now(), m.cfg.GraceWindow) {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, sess.Status)
	}

	if idx < 0 || idx >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidChunkIndex, idx, sess.TotalChunks)
	}

	member := strconv.Itoa(idx)
	if done, err := m.kv.SIsMember(ctx, uploadedKey(sessionID), member); err == nil && done {
		// A replayed index is a no-op for the completed set, but it still
		// counts as upload activity: a cancelled session inside the grace
		// window moves back to uploading before the snapshot is taken.
		if sess.Status.Terminal() {
			m.revive(ctx, sessionID)
			sess.Status = StatusUploading
		}
		return m.snapshot(ctx, sess)
	}

	if int64(len(data)) != sess.ChunkDeclaredSize(idx) {
		err := fmt.Errorf("%w: chunk %d carried %d bytes, expected %d",
			ErrChunkSizeMismatch, idx, len(data), sess.ChunkDeclaredSize(idx))
		m.recordChunkFailure(ctx, sessionID, idx, err.Error())
		return nil, err
	}
	if !strings.EqualFold(filestore.Checksum(data), chunkHash) {
		err := fmt.Errorf("%w: chunk %d", ErrChunkHashMismatch, idx)
		m.recordChunkFailure(ctx, sessionID, idx, err.Error())
		return nil, err
	}

	if err := m.blobs.Put(ctx, blob.ChunkPath(sessionID, idx), data); err != nil {
		m.recordChunkFailure(ctx, sessionID, idx, "chunk write failed")
		return nil, fmt.Errorf("stage chunk %d: %w", idx, err)
	}

	args := []string{
		member,
		strconv.Itoa(sess.TotalChunks),
		strconv.Itoa(int(m.cfg.SessionTTL.Seconds())),
		strconv.FormatInt(m.now().Unix(), 10),
	}
	pct, err := m.kv.Eval(ctx, chunkDoneScript, SessionKeys(sessionID), args...)
	if err != nil {
		return nil, fmt.Errorf("record chunk %d: %w", idx, err)
	}
	if p, ok := pct.(int64); ok {
		span.SetAttributes(telemetry.Percent(int(p)))
	}

	sess.Status = StatusUploading
	return m.snapshot(ctx, sess)
}

// Complete assembles the staged chunks into the final file. If any chunks
// are missing it returns an IncompleteError listing them. On a dedup hit
// the assembled bytes are discarded and the existing record returned.
// Chunk-file cleanup runs asynchronously and never fails completion.
func (m *Manager) Complete(ctx context.Context, sessionID, wholeHash, userID string) (*filestore.Result, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanChunkComplete, sessionID)
	defer span.End()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() && !sess.Revivable(m.now(), m.cfg.GraceWindow) {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, sess.Status)
	}

	members, err := m.kv.SMembers(ctx, uploadedKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("read completed set: %w", err)
	}
	if missing := missingIndices(members, sess.TotalChunks); len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}

	if sess.TotalSize > m.cfg.MaxAssembled.Int64() {
		m.markFailed(ctx, sessionID, ErrAssemblyTooLarge.Error())
		return nil, ErrAssemblyTooLarge
	}

	m.setStatus(ctx, sessionID, StatusAssembling, "")

	assembled, err := m.assemble(ctx, sess)
	if err != nil {
		m.markFailed(ctx, sessionID, err.Error())
		return nil, err
	}

	if wholeHash != "" && !strings.EqualFold(filestore.Checksum(assembled), wholeHash) {
		err := fmt.Errorf("%w: declared %s", ErrWholeHashMismatch, wholeHash)
		m.markFailed(ctx, sessionID, err.Error())
		return nil, err
	}

	// Full validation against the reassembled bytes, deferred from Initiate.
	if err := validate.File(sess.FileName, sess.Mime, sess.TotalSize, assembled); err != nil {
		m.markFailed(ctx, sessionID, err.Error())
		return nil, err
	}

	result, err := m.files.Put(ctx, sess.FileName, sess.Mime, assembled, userID)
	if err != nil {
		m.markFailed(ctx, sessionID, "persist failed")
		return nil, fmt.Errorf("persist assembled file: %w", err)
	}

	m.setStatus(ctx, sessionID, StatusCompleted, "")
	if err := m.kv.HSet(ctx, progressKey(sessionID), map[string]string{"percent": "100"}); err != nil {
		logger.WarnCtx(ctx, "progress finalise failed", "session_id", sessionID, "err", err)
	}

	go m.cleanupChunks(sessionID)

	logger.InfoCtx(ctx, "chunk session completed",
		"session_id", sessionID, "file_id", result.Record.ID, "deduped", !result.IsNew)
	return result, nil
}

// Progress reports a user-owned session's state. Cancelled sessions inside
// the grace window report Terminal=false since an upload can still revive
// them.
func (m *Manager) Progress(ctx context.Context, sessionID, userID string) (*Progress, error) {
	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return m.snapshot(ctx, sess)
}

// RetryFailed moves a session back to uploading so the client can re-send
// the chunks in the failed set. The set itself is returned with the
// progress snapshot; entries clear as chunks are re-uploaded successfully.
func (m *Manager) RetryFailed(ctx context.Context, sessionID, userID string) (*Progress, error) {
	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() && !sess.Revivable(m.now(), m.cfg.GraceWindow) {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, sess.Status)
	}

	m.setStatus(ctx, sessionID, StatusUploading, "")
	sess.Status = StatusUploading
	return m.snapshot(ctx, sess)
}

// Cancel marks a session cancelled. Idempotent; cancelling a completed or
// failed session is a no-op. The session record is kept for the grace
// window so an in-flight client can revive it; chunk files are dropped
// once the window closes.
func (m *Manager) Cancel(ctx context.Context, sessionID, userID string) error {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanChunkCancel, sessionID)
	defer span.End()

	sess, err := m.loadOwned(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			return nil
		}
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	now := m.now().UTC()
	err = m.kv.HSet(ctx, sessionKey(sessionID), map[string]string{
		"status":       string(StatusCancelled),
		"cancelled_at": strconv.FormatInt(now.Unix(), 10),
		"updated_at":   strconv.FormatInt(now.Unix(), 10),
	})
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if err := m.kv.HSet(ctx, progressKey(sessionID), map[string]string{"status": string(StatusCancelled)}); err != nil {
		logger.WarnCtx(ctx, "progress cancel update failed", "session_id", sessionID, "err", err)
	}

	// Keep the keys only as long as revival is possible.
	for _, k := range SessionKeys(sessionID) {
		if err := m.kv.Expire(ctx, k, m.cfg.GraceWindow); err != nil {
			logger.WarnCtx(ctx, "session key expire failed", "key", k, "err", err)
		}
	}

	time.AfterFunc(m.cfg.GraceWindow, func() { m.cleanupIfStillCancelled(sessionID) })

	logger.InfoCtx(ctx, "chunk session cancelled", "session_id", sessionID, "user_id", userID)
	return nil
}

// ============================================================================
// Cleanup support (used by the background reaper)
// ============================================================================

// ExpiredSessions returns ids of sessions whose declared expiry has passed.
// Keys usually vanish via TTL first; this catches clock-skewed stragglers.
func (m *Manager) ExpiredSessions(ctx context.Context) ([]string, error) {
	keys, err := m.kv.Scan(ctx, SessionKeyPattern)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	now := m.now()
	var expired []string
	for _, key := range keys {
		fields, err := m.kv.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		sess, err := parseSession(fields)
		if err != nil {
			// Unparseable state is garbage; reap it.
			expired = append(expired, SessionIDFromKey(key))
			continue
		}
		if !sess.ExpiresAt.IsZero() && now.After(sess.ExpiresAt) {
			expired = append(expired, sess.ID)
		}
	}
	return expired, nil
}

// Reap deletes every trace of a session: staged chunk files and all four
// fast-store keys. Idempotent.
func (m *Manager) Reap(ctx context.Context, sessionID string) error {
	if err := m.blobs.DeleteByPrefix(ctx, blob.ChunkDir(sessionID)); err != nil {
		return fmt.Errorf("delete staged chunks: %w", err)
	}
	if err := m.kv.Del(ctx, SessionKeys(sessionID)...); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (m *Manager) loadOwned(ctx context.Context, sessionID, userID string) (*Session, error) {
	fields, err := m.kv.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess, err := parseSession(fields)
	if err != nil {
		return nil, err
	}
	if !sess.ExpiresAt.IsZero() && m.now().After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotOwned
	}
	return sess, nil
}

func (m *Manager) snapshot(ctx context.Context, sess *Session) (*Progress, error) {
	done, err := m.kv.SCard(ctx, uploadedKey(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("read completed count: %w", err)
	}
	failedMembers, err := m.kv.SMembers(ctx, failedKey(sess.ID))
	if err != nil {
		return nil, fmt.Errorf("read failed set: %w", err)
	}

	// Status may have moved since the caller loaded the session.
	if status, err := m.kv.HGet(ctx, sessionKey(sess.ID), "status"); err == nil && status != "" {
		sess.Status = Status(status)
	}

	pct := 0
	if sess.TotalChunks > 0 {
		pct = int(done) * 100 / sess.TotalChunks
	}
	return &Progress{
		SessionID:   sess.ID,
		Status:      sess.Status,
		Completed:   int(done),
		TotalChunks: sess.TotalChunks,
		Failed:      parseIndexSet(failedMembers),
		Percent:     pct,
		Terminal:    sess.Status.Terminal() && !sess.Revivable(m.now(), m.cfg.GraceWindow),
	}, nil
}

func (m *Manager) recordChunkFailure(ctx context.Context, sessionID string, idx int, reason string) {
	args := []string{
		strconv.Itoa(idx),
		reason,
		strconv.FormatInt(m.now().Unix(), 10),
		strconv.Itoa(int(m.cfg.SessionTTL.Seconds())),
	}
	if _, err := m.kv.Eval(ctx, chunkFailScript, SessionKeys(sessionID), args...); err != nil {
		logger.ErrorCtx(ctx, "chunk failure record failed",
			"session_id", sessionID, "chunk_index", idx, "err", err)
	}
}

func (m *Manager) setStatus(ctx context.Context, sessionID string, status Status, lastError string) {
	now := strconv.FormatInt(m.now().Unix(), 10)
	fields := map[string]string{"status": string(status), "updated_at": now}
	if lastError != "" {
		fields["last_error"] = lastError
	}
	if err := m.kv.HSet(ctx, sessionKey(sessionID), fields); err != nil {
		logger.WarnCtx(ctx, "session status update failed",
			"session_id", sessionID, "status", status, "err", err)
	}
	if err := m.kv.HSet(ctx, progressKey(sessionID), map[string]string{"status": string(status)}); err != nil {
		logger.WarnCtx(ctx, "progress status update failed",
			"session_id", sessionID, "status", status, "err", err)
	}
}

func (m *Manager) markFailed(ctx context.Context, sessionID, reason string) {
	m.setStatus(ctx, sessionID, StatusFailed, reason)
}

// revive moves a cancelled-in-grace session back to uploading, clearing the
// cancellation stamp and restoring the full idle TTL on every session key,
// the same transition chunkDoneScript applies when new bytes land.
func (m *Manager) revive(ctx context.Context, sessionID string) {
	now := strconv.FormatInt(m.now().Unix(), 10)
	err := m.kv.HSet(ctx, sessionKey(sessionID), map[string]string{
		"status": string(StatusUploading), "updated_at": now, "cancelled_at": "",
	})
	if err != nil {
		logger.WarnCtx(ctx, "session revive failed", "session_id", sessionID, "err", err)
	}
	if err := m.kv.HSet(ctx, progressKey(sessionID), map[string]string{"status": string(StatusUploading)}); err != nil {
		logger.WarnCtx(ctx, "progress revive failed", "session_id", sessionID, "err", err)
	}
	for _, k := range SessionKeys(sessionID) {
		if err := m.kv.Expire(ctx, k, m.cfg.SessionTTL); err != nil {
			logger.WarnCtx(ctx, "session key expire failed", "key", k, "err", err)
		}
	}
}

// assemble reads the staged chunks with bounded parallelism and
// concatenates them in index order.
func (m *Manager) assemble(ctx context.Context, sess *Session) ([]byte, error) {
	parts := make([][]byte, sess.TotalChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.AssemblyReaders)
	for i := 0; i < sess.TotalChunks; i++ {
		i := i
		g.Go(func() error {
			data, err := m.blobs.Read(gctx, blob.ChunkPath(sess.ID, i))
			if err != nil {
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assembled := make([]byte, 0, sess.TotalSize)
	for i, part := range parts {
		if int64(len(assembled))+int64(len(part)) > m.cfg.MaxAssembled.Int64() {
			return nil, ErrAssemblyTooLarge
		}
		assembled = append(assembled, part...)
		parts[i] = nil
	}
	if int64(len(assembled)) != sess.TotalSize {
		return nil, fmt.Errorf("%w: got %d, declared %d", ErrAssembledSize, len(assembled), sess.TotalSize)
	}
	return assembled, nil
}

func (m *Manager) cleanupChunks(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.blobs.DeleteByPrefix(ctx, blob.ChunkDir(sessionID)); err != nil {
		logger.Warn("chunk cleanup failed", "session_id", sessionID, "err", err)
	}
}

// cleanupIfStillCancelled drops staged chunk files once the grace window
// has closed without a revival.
func (m *Manager) cleanupIfStillCancelled(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fields, err := m.kv.HGetAll(ctx, sessionKey(sessionID))
	if err == nil && len(fields) > 0 && Status(fields["status"]) != StatusCancelled {
		return // revived
	}
	m.cleanupChunks(sessionID)
}

func missingIndices(members []string, total int) []int {
	have := make(map[int]bool, len(members))
	for _, idx := range parseIndexSet(members) {
		have[idx] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
