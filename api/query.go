package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/query"
	"github.com/BaSui01/docbase/types"
)

// QueryHandler serves the streamed answer endpoint.
type QueryHandler struct {
	orch    *query.Orchestrator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewQueryHandler(orch *query.Orchestrator, m *metrics.Metrics, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{orch: orch, metrics: m, logger: logger}
}

func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", h.answer)
}

type queryRequest struct {
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	DocumentIDs []uint `json:"document_ids"`
}

// answer streams the grounded answer as a text/event-stream. Frames,
// in order: context (retrieved passages with citations), start, one
// unnamed data frame per generated fragment, error on failure, and a
// single terminal end.
func (h *QueryHandler) answer(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, types.NewError(types.ErrUnhandled,
			"Request body is not a valid query.").WithCause(err).
			WithHTTPStatus(http.StatusBadRequest))
		return
	}
	if req.Query == "" {
		writeError(w, h.logger, types.NewError(types.ErrUnhandled,
			"Query must not be empty.").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, types.NewError(types.ErrUnhandled,
			"Streaming is not supported on this connection."))
		return
	}

	start := time.Now()
	events, passages, err := h.orch.Answer(r.Context(), req.Query, req.TopK, req.DocumentIDs)
	if err != nil {
		h.observeQuery(start, 0, err)
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case query.EventContext:
			sse.event("context", ev.Context)
		case query.EventStart:
			sse.event("start", nil)
		case query.EventAnswer:
			sse.data(ev.Fragment)
		case query.EventError:
			streamErr = ev.Err
			sse.event("error", ev.Err)
		case query.EventEnd:
			sse.event("end", nil)
		}
	}
	h.observeQuery(start, len(passages), streamErr)
}

func (h *QueryHandler) observeQuery(start time.Time, passages int, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	h.metrics.RetrievalPassages.Observe(float64(passages))
	if err != nil {
		h.metrics.QueryTotal.WithLabelValues("error").Inc()
		if code := types.GetErrorCode(err); code != "" {
			h.metrics.ProviderErrors.WithLabelValues(string(code)).Inc()
		}
		return
	}
	h.metrics.QueryTotal.WithLabelValues("ok").Inc()
}

// sseWriter frames server-sent events; every frame ends with a blank
// line and is flushed immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// event writes a named frame. A nil payload writes the event name
// alone.
func (s *sseWriter) event(name string, payload any) {
	s.w.Write([]byte("event: " + name + "\n"))
	if payload != nil {
		s.writeData(payload)
	}
	s.w.Write([]byte("\n"))
	s.flusher.Flush()
}

// data writes an unnamed data-only frame.
func (s *sseWriter) data(payload any) {
	s.writeData(payload)
	s.w.Write([]byte("\n"))
	s.flusher.Flush()
}

func (s *sseWriter) writeData(payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.w.Write([]byte("data: "))
	s.w.Write(b)
	s.w.Write([]byte("\n"))
}
