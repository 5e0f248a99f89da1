package chunks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/index"
)

const testChunkSize = 1024

func newTestManager(t *testing.T) (*Manager, *fastkv.Memory) {
	t.Helper()

	idx, err := index.New(&index.Config{
		Type:   index.DatabaseTypeSQLite,
		SQLite: index.SQLiteConfig{Path: t.TempDir() + "/index.db"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	blobs, err := blob.NewFilesystem(blob.FilesystemConfig{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	kv := fastkv.NewMemory()
	files := filestore.New(idx, blobs)
	m := New(kv, files, Config{ChunkSize: testChunkSize})
	return m, kv
}

// testPayload builds n chunks of deterministic content.
func testPayload(n int, lastSize int) []byte {
	size := (n-1)*testChunkSize + lastSize
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func chunkAt(data []byte, idx int) []byte {
	start := idx * testChunkSize
	end := start + testChunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

func TestInitiate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 3*testChunkSize, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TotalChunks)
	assert.Equal(t, StatusPending, sess.Status)
	assert.Equal(t, int64(testChunkSize), sess.ChunkSize)

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, prog.Completed)
	assert.Equal(t, StatusPending, prog.Status)
}

func TestInitiateRejectsSmallFiles(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Initiate(context.Background(), "small.bin", "application/octet-stream", testChunkSize-1, "user-1")
	assert.ErrorIs(t, err, ErrBelowThreshold)
}

func TestInitiateExactChunkSizeAllowed(t *testing.T) {
	m, _ := newTestManager(t)
	sess, err := m.Initiate(context.Background(), "one.bin", "application/octet-stream", testChunkSize, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TotalChunks)
}

func TestInitiateChunkCap(t *testing.T) {
	idxStore, err := index.New(&index.Config{
		Type:   index.DatabaseTypeSQLite,
		SQLite: index.SQLiteConfig{Path: t.TempDir() + "/index.db"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idxStore.Close() })
	blobs, err := blob.NewFilesystem(blob.FilesystemConfig{Root: t.TempDir()})
	require.NoError(t, err)

	m := New(fastkv.NewMemory(), filestore.New(idxStore, blobs), Config{
		ChunkSize: testChunkSize,
		MaxChunks: 4,
	})
	_, err = m.Initiate(context.Background(), "big.bin", "application/octet-stream", 5*testChunkSize, "user-1")
	assert.ErrorIs(t, err, ErrTooManyChunks)
}

func TestInitiateValidatesDeclared(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Initiate(context.Background(), "evil.exe", "application/x-msdownload", 3*testChunkSize, "user-1")
	assert.Error(t, err)
}

func TestChunkedHappyPathReverseOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(3, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	wantPct := []int{33, 66, 100}
	for i, idx := range []int{2, 1, 0} {
		chunk := chunkAt(data, idx)
		prog, err := m.UploadChunk(ctx, sess.ID, idx, chunk, filestore.Checksum(chunk), "user-1")
		require.NoError(t, err)
		assert.Equal(t, wantPct[i], prog.Percent)
		assert.Equal(t, StatusUploading, prog.Status)
	}

	res, err := m.Complete(ctx, sess.ID, "", "user-1")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, filestore.Checksum(data), res.Record.Checksum)
	assert.Equal(t, int64(len(data)), res.Record.Size)

	// Assembled content round-trips byte-identical.
	_, stored, err := m.files.Read(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, prog.Status)
	assert.True(t, prog.Terminal)
}

func TestShortLastChunk(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(3, 100)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TotalChunks)
	assert.Equal(t, int64(100), sess.ChunkDeclaredSize(2))

	for idx := 0; idx < 3; idx++ {
		chunk := chunkAt(data, idx)
		_, err := m.UploadChunk(ctx, sess.ID, idx, chunk, filestore.Checksum(chunk), "user-1")
		require.NoError(t, err)
	}

	res, err := m.Complete(ctx, sess.ID, filestore.Checksum(data), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Record.Size)
}

func TestUploadChunkIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	chunk := chunkAt(data, 0)
	first, err := m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)

	second, err := m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.Completed, second.Completed)
	assert.Equal(t, first.Percent, second.Percent)
}

func TestUploadChunkSizeMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 2*testChunkSize, "user-1")
	require.NoError(t, err)

	short := make([]byte, 10)
	_, err = m.UploadChunk(ctx, sess.ID, 0, short, filestore.Checksum(short), "user-1")
	assert.ErrorIs(t, err, ErrChunkSizeMismatch)

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, prog.Failed)
}

func TestUploadChunkHashMismatchThenRecover(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	chunk := chunkAt(data, 0)
	_, err = m.UploadChunk(ctx, sess.ID, 0, chunk, "deadbeef", "user-1")
	assert.ErrorIs(t, err, ErrChunkHashMismatch)

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, prog.Failed)

	// A correct re-upload clears the failed entry.
	prog, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)
	assert.Empty(t, prog.Failed)
	assert.Equal(t, 1, prog.Completed)
}

func TestUploadChunkInvalidIndex(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 2*testChunkSize, "user-1")
	require.NoError(t, err)

	chunk := make([]byte, testChunkSize)
	_, err = m.UploadChunk(ctx, sess.ID, 2, chunk, filestore.Checksum(chunk), "user-1")
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)
	_, err = m.UploadChunk(ctx, sess.ID, -1, chunk, filestore.Checksum(chunk), "user-1")
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)
}

func TestSessionOwnership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 2*testChunkSize, "user-1")
	require.NoError(t, err)

	chunk := make([]byte, testChunkSize)
	_, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "intruder")
	assert.ErrorIs(t, err, ErrSessionNotOwned)

	_, err = m.Progress(ctx, sess.ID, "intruder")
	assert.ErrorIs(t, err, ErrSessionNotOwned)
}

func TestSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Progress(context.Background(), "no-such-session", "user-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteReportsMissing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(3, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	chunk := chunkAt(data, 1)
	_, err = m.UploadChunk(ctx, sess.ID, 1, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)

	_, err = m.Complete(ctx, sess.ID, "", "user-1")
	var inc *IncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, []int{0, 2}, inc.Missing)
}

func TestCompleteWholeHashMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(1, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	_, err = m.UploadChunk(ctx, sess.ID, 0, data, filestore.Checksum(data), "user-1")
	require.NoError(t, err)

	_, err = m.Complete(ctx, sess.ID, "0000000000000000000000000000000000000000000000000000000000000000", "user-1")
	assert.ErrorIs(t, err, ErrWholeHashMismatch)

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, prog.Status)
	assert.True(t, prog.Terminal)
}

func TestCompleteDedupDiscardsAssembly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	upload := func(user string) *filestore.Result {
		sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), user)
		require.NoError(t, err)
		for idx := 0; idx < 2; idx++ {
			chunk := chunkAt(data, idx)
			_, err := m.UploadChunk(ctx, sess.ID, idx, chunk, filestore.Checksum(chunk), user)
			require.NoError(t, err)
		}
		res, err := m.Complete(ctx, sess.ID, "", user)
		require.NoError(t, err)
		return res
	}

	first := upload("user-1")
	second := upload("user-2")
	assert.True(t, first.IsNew)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Record.ID, second.Record.ID)
}

func TestCancelThenReviveWithinGrace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, sess.ID, "user-1"))
	require.NoError(t, m.Cancel(ctx, sess.ID, "user-1")) // idempotent

	prog, err := m.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, prog.Status)
	assert.False(t, prog.Terminal) // still revivable

	// A chunk inside the grace window revives the session.
	chunk := chunkAt(data, 0)
	prog, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, prog.Status)
	assert.Equal(t, 1, prog.Completed)
}

func TestReplayedChunkRevivesWithinGrace(t *testing.T) {
	m, kv := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	chunk := chunkAt(data, 0)
	_, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, sess.ID, "user-1"))

	// Re-sending an index that already landed revives the session just
	// like fresh bytes would.
	prog, err := m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, prog.Status)
	assert.Equal(t, 1, prog.Completed)

	// The keys are back on the full idle TTL, not the grace window.
	for _, key := range SessionKeys(sess.ID) {
		exists, err := kv.Exists(ctx, key)
		require.NoError(t, err)
		if !exists {
			continue // nothing ever failed, so no failed set
		}
		ttl, err := kv.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Hour, key)
	}

	// The revived session still finishes normally.
	last := chunkAt(data, 1)
	_, err = m.UploadChunk(ctx, sess.ID, 1, last, filestore.Checksum(last), "user-1")
	require.NoError(t, err)
	_, err = m.Complete(ctx, sess.ID, "", "user-1")
	require.NoError(t, err)
}

func TestCancelledSessionGoneAfterGrace(t *testing.T) {
	m, kv := newTestManager(t)
	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	m.SetClock(clock)
	kv.SetClock(clock)

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 2*testChunkSize, "user-1")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, sess.ID, "user-1"))

	// Past the grace window the keys have expired with it.
	now = now.Add(6 * time.Minute)
	chunk := make([]byte, testChunkSize)
	_, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRetryFailed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	data := testPayload(2, testChunkSize)
	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	_, err = m.UploadChunk(ctx, sess.ID, 0, chunkAt(data, 0), "deadbeef", "user-1")
	require.Error(t, err)

	prog, err := m.RetryFailed(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, prog.Status)
	assert.Equal(t, []int{0}, prog.Failed)
}

func TestExpiredSessionsAndReap(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Initiate(ctx, "big.bin", "application/octet-stream", 2*testChunkSize, "user-1")
	require.NoError(t, err)

	chunk := make([]byte, testChunkSize)
	_, err = m.UploadChunk(ctx, sess.ID, 0, chunk, filestore.Checksum(chunk), "user-1")
	require.NoError(t, err)

	// Only the manager clock moves; the store keys are still alive, so the
	// sweep has to catch the stale expires_at itself.
	m.SetClock(func() time.Time { return time.Now().Add(25 * time.Hour) })

	expired, err := m.ExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, expired)

	require.NoError(t, m.Reap(ctx, sess.ID))
	require.NoError(t, m.Reap(ctx, sess.ID)) // idempotent

	_, err = m.Progress(ctx, sess.ID, "user-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	staged, err := m.blobs.ListByPrefix(ctx, blob.ChunkDir(sess.ID))
	require.NoError(t, err)
	assert.Empty(t, staged)
}
