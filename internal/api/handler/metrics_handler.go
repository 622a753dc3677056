package handler

import (
	"net/http"

	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

// MetricsHandler serves a human-readable JSON queue snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp and are separate from this endpoint.
type MetricsHandler struct {
	depths worker.DepthReader
	queues []string
}

func NewMetricsHandler(depths worker.DepthReader, queues []string) *MetricsHandler {
	return &MetricsHandler{depths: depths, queues: queues}
}

// GetMetrics handles GET /api/v1/metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int64, len(h.queues))
	var total int64
	for _, q := range h.queues {
		n, err := h.depths.Depth(r.Context(), q)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "queue depth unavailable")
			return
		}
		depths[q] = n
		total += n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_depth": depths,
		"total":       total,
	})
}
