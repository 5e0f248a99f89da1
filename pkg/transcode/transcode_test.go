package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStub installs a fake ffmpeg that logs each invocation and writes
// fixed bytes to the output path (the final argument).
func writeStub(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "ffmpeg-stub")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newStubTranscoder(t *testing.T, exitCode int) (*Transcoder, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "invocations.log")

	script := "#!/bin/sh\n" +
		"echo run >> " + logPath + "\n" +
		"for last in \"$@\"; do :; done\n" +
		"printf 'FAKE-MP4-OUTPUT' > \"$last\"\n" +
		"exit " + map[int]string{0: "0", 1: "1"}[exitCode] + "\n"

	tr, err := New(Config{
		FFmpegPath: writeStub(t, dir, script),
		CacheDir:   filepath.Join(dir, "cache"),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return tr, logPath
}

func invocations(t *testing.T, logPath string) int {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestConvert(t *testing.T) {
	tr, logPath := newStubTranscoder(t, 0)
	ctx := context.Background()

	input := []byte("quicktime source bytes")
	out, err := tr.Convert(ctx, "file-1", input, QualityMedium)
	require.NoError(t, err)
	assert.Equal(t, "FAKE-MP4-OUTPUT", string(out.Bytes))
	assert.Equal(t, int64(len(input)), out.OriginalSize)
	assert.Equal(t, int64(len(out.Bytes)), out.ConvertedSize)
	assert.False(t, out.Cached)
	assert.Equal(t, 1, invocations(t, logPath))
}

func TestConvertUsesCache(t *testing.T) {
	tr, logPath := newStubTranscoder(t, 0)
	ctx := context.Background()

	_, err := tr.Convert(ctx, "file-1", []byte("src"), QualityLow)
	require.NoError(t, err)

	out, err := tr.Convert(ctx, "file-1", []byte("src"), QualityLow)
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, invocations(t, logPath))

	// A different quality is a different cache key.
	_, err = tr.Convert(ctx, "file-1", []byte("src"), QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, 2, invocations(t, logPath))
}

func TestConvertFailure(t *testing.T) {
	tr, _ := newStubTranscoder(t, 1)
	_, err := tr.Convert(context.Background(), "file-1", []byte("src"), QualityMedium)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg failed")
}

func TestConvertUnknownQuality(t *testing.T) {
	tr, _ := newStubTranscoder(t, 0)
	_, err := tr.Convert(context.Background(), "file-1", []byte("src"), Quality("ultra"))
	assert.ErrorIs(t, err, ErrUnknownQuality)
}

func TestEvictCache(t *testing.T) {
	tr, logPath := newStubTranscoder(t, 0)
	ctx := context.Background()

	_, err := tr.Convert(ctx, "file-1", []byte("src"), QualityMedium)
	require.NoError(t, err)

	tr.EvictCache("file-1")

	out, err := tr.Convert(ctx, "file-1", []byte("src"), QualityMedium)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, 2, invocations(t, logPath))
}

func TestMimeSets(t *testing.T) {
	assert.True(t, NeedsConversion("video/quicktime"))
	assert.True(t, NeedsConversion("video/x-matroska"))
	assert.True(t, NeedsConversion("video/3gpp"))
	assert.False(t, NeedsConversion("video/mp4"))
	assert.False(t, NeedsConversion("image/jpeg"))

	assert.True(t, WebCompatible("video/mp4"))
	assert.True(t, WebCompatible("video/webm"))
	assert.True(t, WebCompatible("video/ogg"))
	assert.False(t, WebCompatible("video/quicktime"))
}

func TestQualityValid(t *testing.T) {
	assert.True(t, QualityLow.Valid())
	assert.True(t, QualityMedium.Valid())
	assert.True(t, QualityHigh.Valid())
	assert.False(t, Quality("4k").Valid())
}
