// Package cleanup runs the background maintenance loops: the chunk-session
// reaper, the unreferenced-file garbage collector, and the notification
// queue drainer. All loops are idempotent; a tick that finds nothing to do
// is free, and two instances racing on the same store converge on the same
// end state.
package cleanup

import (
	"context"
	"time"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
)

// Config tunes the loop intervals.
type Config struct {
	// SessionInterval is how often expired chunk sessions are reaped.
	SessionInterval time.Duration `mapstructure:"session_interval" yaml:"session_interval"`

	// QueueInterval is how often the notification queues are drained.
	QueueInterval time.Duration `mapstructure:"queue_interval" yaml:"queue_interval"`

	// FileInterval is how often unreferenced files are garbage-collected.
	FileInterval time.Duration `mapstructure:"file_interval" yaml:"file_interval"`

	// FileAge is the minimum age before an unattached file is collected.
	FileAge time.Duration `mapstructure:"file_age" yaml:"file_age"`

	// FileBatch caps how many files one collection pass removes.
	FileBatch int `mapstructure:"file_batch" yaml:"file_batch"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.SessionInterval == 0 {
		c.SessionInterval = 5 * time.Minute
	}
	if c.QueueInterval == 0 {
		c.QueueInterval = 30 * time.Second
	}
	if c.FileInterval == 0 {
		c.FileInterval = time.Hour
	}
	if c.FileAge == 0 {
		c.FileAge = 30 * 24 * time.Hour
	}
	if c.FileBatch == 0 {
		c.FileBatch = 100
	}
}

// Runner owns the maintenance loops.
type Runner struct {
	sessions *chunks.Manager
	files    *filestore.Service
	drainer  *Drainer
	cfg      Config
}

// NewRunner creates the maintenance runner. files may be nil to disable
// the unreferenced-file collector; notify may be nil, in which case
// drained notifications are logged only.
func NewRunner(sessions *chunks.Manager, files *filestore.Service, kv fastkv.FastKV, cfg Config, notify NotifyFunc) *Runner {
	cfg.ApplyDefaults()
	return &Runner{
		sessions: sessions,
		files:    files,
		drainer:  NewDrainer(kv, notify),
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, ticking every loop at its interval.
func (r *Runner) Run(ctx context.Context) {
	sessionTicker := time.NewTicker(r.cfg.SessionInterval)
	queueTicker := time.NewTicker(r.cfg.QueueInterval)
	fileTicker := time.NewTicker(r.cfg.FileInterval)
	defer sessionTicker.Stop()
	defer queueTicker.Stop()
	defer fileTicker.Stop()

	logger.Info("cleanup loops started",
		"session_interval", r.cfg.SessionInterval.String(),
		"queue_interval", r.cfg.QueueInterval.String(),
		"file_interval", r.cfg.FileInterval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup loops stopped")
			return
		case <-sessionTicker.C:
			r.SweepSessions(ctx)
		case <-queueTicker.C:
			r.drainer.Drain(ctx)
		case <-fileTicker.C:
			r.SweepFiles(ctx)
		}
	}
}

// SweepFiles garbage-collects unreferenced files past the configured age:
// the record is deactivated and its blob deleted, a batch at a time.
func (r *Runner) SweepFiles(ctx context.Context) int {
	if r.files == nil {
		return 0
	}

	reaped, err := r.files.ReapUnreferenced(ctx, r.cfg.FileAge, r.cfg.FileBatch)
	if err != nil {
		logger.Warn("unreferenced file sweep failed", "err", err)
		return 0
	}
	metrics.FilesReapedTotal.Add(float64(reaped))
	if reaped > 0 {
		logger.Info("unreferenced files reaped", "count", reaped)
	}
	return reaped
}

// SweepSessions reaps every chunk session whose expiry has passed: staged
// chunk files and all four per-session keys go in one batch per session.
func (r *Runner) SweepSessions(ctx context.Context) int {
	expired, err := r.sessions.ExpiredSessions(ctx)
	if err != nil {
		logger.Warn("session sweep enumeration failed", "err", err)
		return 0
	}

	reaped := 0
	for _, id := range expired {
		if err := r.sessions.Reap(ctx, id); err != nil {
			logger.Warn("session reap failed", "session_id", id, "err", err)
			continue
		}
		reaped++
		metrics.SessionsReapedTotal.Inc()
	}
	if reaped > 0 {
		logger.Info("expired chunk sessions reaped", "count", reaped)
	}
	return reaped
}
