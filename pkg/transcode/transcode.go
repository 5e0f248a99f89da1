// Package transcode converts legacy mobile video containers to an
// H.264/AAC MP4 suitable for web players by shelling out to ffmpeg.
//
// Conversion is on-demand and best-effort: it is never attempted at upload
// time, and callers fall back to serving the original bytes when it fails.
// Results are cached on disk keyed by (file id, quality) so one file is
// converted at most once per preset; concurrent requests for the same key
// share a single ffmpeg run.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/telemetry"
)

// Quality selects a conversion preset.
type Quality string

const (
	QualityLow    Quality = "low"    // 480p,  800 kbps
	QualityMedium Quality = "medium" // 720p,  2 Mbps
	QualityHigh   Quality = "high"   // 1080p, 5 Mbps
)

// preset holds the encoder parameters for one quality level.
type preset struct {
	width, height int
	videoBitrate  string
}

var presets = map[Quality]preset{
	QualityLow:    {854, 480, "800k"},
	QualityMedium: {1280, 720, "2M"},
	QualityHigh:   {1920, 1080, "5M"},
}

// Valid reports whether q names a known preset.
func (q Quality) Valid() bool {
	_, ok := presets[q]
	return ok
}

// needsConversion lists video MIMEs that web players cannot handle and
// the transcoder rewrites to MP4.
var needsConversion = map[string]bool{
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-ms-wmv":   true,
	"video/3gpp":       true,
	"video/3gpp2":      true,
	"video/x-flv":      true,
	"video/x-matroska": true,
	"video/x-m4v":      true,
}

// webCompatible lists video MIMEs servable inline without conversion.
var webCompatible = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}

// NeedsConversion reports whether the MIME is a legacy container the
// transcoder should rewrite.
func NeedsConversion(mime string) bool {
	return needsConversion[strings.ToLower(mime)]
}

// WebCompatible reports whether the video MIME plays in web players as-is.
func WebCompatible(mime string) bool {
	return webCompatible[strings.ToLower(mime)]
}

// ErrUnknownQuality is returned for a quality with no preset.
var ErrUnknownQuality = errors.New("unknown transcode quality")

// Config tunes the transcoder.
type Config struct {
	// FFmpegPath is the binary to invoke.
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`

	// Timeout bounds one conversion run.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CacheDir holds converted results keyed by (file id, quality).
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "filecore-transcode")
	}
}

// Output is a successful conversion.
type Output struct {
	Bytes         []byte
	OriginalSize  int64
	ConvertedSize int64
	Processing    time.Duration
	Cached        bool
}

// Transcoder runs ffmpeg conversions with a disk result cache.
type Transcoder struct {
	cfg    Config
	single singleflight.Group
}

// New creates a transcoder and its cache directory.
func New(cfg Config) (*Transcoder, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcode cache dir: %w", err)
	}
	return &Transcoder{cfg: cfg}, nil
}

func (t *Transcoder) cachePath(fileID string, q Quality) string {
	return filepath.Join(t.cfg.CacheDir, fileID+"_"+string(q)+".mp4")
}

// Convert transcodes the input to MP4 at the given quality. A cached
// result is returned without invoking ffmpeg; otherwise concurrent calls
// for the same (file id, quality) share one run.
func (t *Transcoder) Convert(ctx context.Context, fileID string, input []byte, q Quality) (*Output, error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanTranscode, fileID, telemetry.Quality(string(q)))
	defer span.End()

	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuality, q)
	}

	start := time.Now()
	if cached, err := os.ReadFile(t.cachePath(fileID, q)); err == nil {
		return &Output{
			Bytes:         cached,
			OriginalSize:  int64(len(input)),
			ConvertedSize: int64(len(cached)),
			Processing:    time.Since(start),
			Cached:        true,
		}, nil
	}

	key := fileID + "/" + string(q)
	res, err, _ := t.single.Do(key, func() (any, error) {
		return t.run(ctx, fileID, input, q)
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	out := res.(*Output)
	out.Processing = time.Since(start)
	logger.InfoCtx(ctx, "video transcoded",
		"file_id", fileID, "quality", q,
		"original_size", out.OriginalSize, "converted_size", out.ConvertedSize,
		"duration_ms", logger.Duration(start))
	return out, nil
}

// run performs one ffmpeg invocation through temp files, cleaning both on
// every exit path, and installs the result in the cache.
func (t *Transcoder) run(ctx context.Context, fileID string, input []byte, q Quality) (*Output, error) {
	p := presets[q]

	in, err := os.CreateTemp("", "transcode-in-*")
	if err != nil {
		return nil, fmt.Errorf("create input temp file: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(input); err != nil {
		in.Close()
		return nil, fmt.Errorf("write input temp file: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close input temp file: %w", err)
	}

	outPath := in.Name() + ".mp4"
	defer os.Remove(outPath)

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	// Letterbox to the preset dimensions so portrait sources keep their
	// aspect ratio.
	scale := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		p.width, p.height, p.width, p.height)

	cmd := exec.CommandContext(runCtx, t.cfg.FFmpegPath,
		"-i", in.Name(),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-b:v", p.videoBitrate,
		"-maxrate", p.videoBitrate,
		"-vf", scale,
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y", outPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg timed out after %s", t.cfg.Timeout)
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, truncate(string(out), 512))
	}

	converted, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted output: %w", err)
	}

	t.installCache(fileID, q, converted)

	return &Output{
		Bytes:         converted,
		OriginalSize:  int64(len(input)),
		ConvertedSize: int64(len(converted)),
	}, nil
}

// installCache writes the result via a temp sibling and rename so cache
// readers never observe a partial file. Cache failures are only logged.
func (t *Transcoder) installCache(fileID string, q Quality, data []byte) {
	dst := t.cachePath(fileID, q)
	tmp, err := os.CreateTemp(t.cfg.CacheDir, ".cache-*")
	if err != nil {
		logger.Warn("transcode cache write failed", "file_id", fileID, "err", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		logger.Warn("transcode cache write failed", "file_id", fileID, "err", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		logger.Warn("transcode cache install failed", "file_id", fileID, "err", err)
	}
}

// EvictCache drops all cached results for a file, for use when the file
// is deleted.
func (t *Transcoder) EvictCache(fileID string) {
	for q := range presets {
		if err := os.Remove(t.cachePath(fileID, q)); err != nil && !os.IsNotExist(err) {
			logger.Warn("transcode cache evict failed", "file_id", fileID, "err", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
