package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/index"
)

// probeTimeout bounds each dependency check during readiness.
const probeTimeout = 2 * time.Second

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	kv    fastkv.FastKV
	idx   *index.Store
	blobs blob.Store
}

// NewHealthHandler creates a health handler over the three stateful
// dependencies: fast store, metadata index, blob store.
func NewHealthHandler(kv fastkv.FastKV, idx *index.Store, blobs blob.Store) *HealthHandler {
	return &HealthHandler{kv: kv, idx: idx, blobs: blobs}
}

// Liveness reports that the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]string{"status": "ok"})
}

// Readiness probes every dependency and reports per-component status.
// Responds 503 when any dependency is unreachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]string{
		"fast_store": probe(h.kv.Ping(ctx)),
		"index":      probe(h.idx.Ping(ctx)),
		"blobs":      probe(h.blobs.HealthCheck(ctx)),
	}

	status := http.StatusOK
	overall := "ok"
	for _, result := range checks {
		if result != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}

	WriteJSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

func probe(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
