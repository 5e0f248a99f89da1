// Package metrics exposes Prometheus collectors for the file core.
//
// Collectors are registered on a private registry so tests can run without
// global registration conflicts. The registry is served by Handler, which
// the metrics listener mounts on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler serving the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

var (
	// UploadsTotal counts completed upload attempts by transport and outcome.
	// transport: "single", "batch", "chunked", "ws". outcome: "ok",
	// "rejected", "error".
	UploadsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecore_uploads_total",
			Help: "Total number of upload attempts by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	// UploadBytes observes the size of accepted uploads.
	UploadBytes = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name: "filecore_upload_bytes",
			Help: "Distribution of accepted upload sizes in bytes",
			Buckets: []float64{
				64 << 10,  // 64KiB
				512 << 10, // 512KiB
				1 << 20,   // 1MiB - chunk threshold
				5 << 20,   // 5MiB
				25 << 20,  // 25MiB - image ceiling
				50 << 20,  // 50MiB - audio/document ceiling
				100 << 20, // 100MiB - video ceiling
			},
		},
	)

	// DedupHitsTotal counts uploads that resolved to an existing record.
	DedupHitsTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "filecore_dedup_hits_total",
			Help: "Total number of uploads deduplicated against an existing file",
		},
	)

	// DownloadsTotal counts token-gated reads by kind and outcome.
	// kind: "download", "preview". outcome: "ok", "denied", "error".
	DownloadsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecore_downloads_total",
			Help: "Total number of download and preview requests by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ChunkOpsTotal counts chunk session operations.
	// op: "initiate", "upload", "complete", "cancel", "retry".
	// outcome: "ok", "error".
	ChunkOpsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecore_chunk_operations_total",
			Help: "Total number of chunk session operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// TokenValidationsTotal counts capability token validations.
	// outcome: "ok", "denied".
	TokenValidationsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecore_token_validations_total",
			Help: "Total number of capability token validations by outcome",
		},
		[]string{"outcome"},
	)

	// TranscodeDuration observes wall time of transcode requests, cached
	// results included.
	TranscodeDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filecore_transcode_duration_seconds",
			Help:    "Duration of video transcode requests in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"quality", "cached"},
	)

	// SessionsReapedTotal counts chunk sessions removed by the cleanup loop.
	SessionsReapedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "filecore_sessions_reaped_total",
			Help: "Total number of expired chunk sessions reaped",
		},
	)

	// FilesReapedTotal counts unreferenced files collected by the cleanup loop.
	FilesReapedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "filecore_files_reaped_total",
			Help: "Total number of unreferenced files garbage-collected",
		},
	)

	// NotificationsDrainedTotal counts notification queue entries drained
	// by priority.
	NotificationsDrainedTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecore_notifications_drained_total",
			Help: "Total number of notification queue entries drained by priority",
		},
		[]string{"priority"},
	)

	// ActiveSockets tracks currently connected upload-channel sockets.
	ActiveSockets = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "filecore_ws_active_sockets",
			Help: "Number of currently connected upload notification sockets",
		},
	)
)

// Outcome converts an error into the conventional outcome label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
