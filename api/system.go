package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/store"
)

// SystemHandler serves health, corpus stats, and Prometheus metrics.
type SystemHandler struct {
	docs    *store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSystemHandler(docs *store.Store, m *metrics.Metrics, logger *zap.Logger) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHandler{docs: docs, metrics: m, logger: logger}
}

func (h *SystemHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

func (h *SystemHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SystemHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.docs.CountStats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
