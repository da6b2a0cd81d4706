package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/ingest"
	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/store"
	"github.com/BaSui01/docbase/types"
)

// multipartMemoryLimit 表单解析的内存上限,超出部分落盘。
const multipartMemoryLimit = 32 << 20

// FilesHandler manages document upload, listing, re-ingest, and delete.
type FilesHandler struct {
	pipeline *ingest.Pipeline
	docs     *store.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewFilesHandler(pipeline *ingest.Pipeline, docs *store.Store, m *metrics.Metrics, logger *zap.Logger) *FilesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesHandler{pipeline: pipeline, docs: docs, metrics: m, logger: logger}
}

func (h *FilesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/files", h.upload)
	mux.HandleFunc("GET /api/files", h.list)
	mux.HandleFunc("GET /api/files/{id}", h.get)
	mux.HandleFunc("GET /api/files/{id}/passages", h.passages)
	mux.HandleFunc("PUT /api/files/{id}", h.reingest)
	mux.HandleFunc("DELETE /api/files/{id}", h.remove)
}

// uploadResponse is returned by upload and reingest.
type uploadResponse struct {
	Document *store.Document `json:"document"`
	Passages int             `json:"passages"`
}

func (h *FilesHandler) upload(w http.ResponseWriter, r *http.Request) {
	up, method, err := h.parseUpload(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer closeUpload(up)

	start := time.Now()
	doc, count, err := h.pipeline.Ingest(r.Context(), up, method)
	h.observeIngest(start, count, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Document: doc, Passages: count})
}

func (h *FilesHandler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.ListDocuments(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": docs, "total": len(docs)})
}

func (h *FilesHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	doc, err := h.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, documentError(id, err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *FilesHandler) passages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if _, err := h.docs.GetDocument(r.Context(), id); err != nil {
		writeError(w, h.logger, documentError(id, err))
		return
	}
	passages, err := h.docs.ListPassages(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passages": passages, "total": len(passages)})
}

func (h *FilesHandler) reingest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	up, method, err := h.parseUpload(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer closeUpload(up)

	start := time.Now()
	doc, count, err := h.pipeline.Reingest(r.Context(), id, up, method)
	h.observeIngest(start, count, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Document: doc, Passages: count})
}

func (h *FilesHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.pipeline.Remove(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// parseUpload pulls the file part and optional chunking_method out of
// the multipart form.
func (h *FilesHandler) parseUpload(r *http.Request) (ingest.Upload, rag.ChunkingMethod, error) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		return ingest.Upload{}, "", types.NewError(types.ErrUnhandled, "Request is not a valid multipart form.").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return ingest.Upload{}, "", types.NewError(types.ErrUnhandled, "Missing file field in upload.").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	}

	method := rag.ChunkingMethod(r.FormValue("chunking_method"))
	if method != "" && !rag.KnownChunkingMethod(method) {
		file.Close()
		return ingest.Upload{}, "", types.NewError(types.ErrUnsupportedStrategy,
			"Unknown chunking method: "+string(method))
	}
	return ingest.Upload{Filename: header.Filename, Reader: file}, method, nil
}

func (h *FilesHandler) observeIngest(start time.Time, count int, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.IngestTotal.WithLabelValues("error").Inc()
		return
	}
	h.metrics.IngestTotal.WithLabelValues("ok").Inc()
	h.metrics.PassagesIndexed.Add(float64(count))
}

func closeUpload(up ingest.Upload) {
	if c, ok := up.Reader.(io.Closer); ok {
		c.Close()
	}
}

func pathID(r *http.Request) (uint, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, types.NewError(types.ErrNotFound, "Invalid document id: "+raw)
	}
	return uint(id), nil
}

func documentError(id uint, err error) error {
	if errors.Is(err, store.ErrDocumentNotFound) {
		return types.NewError(types.ErrNotFound,
			"Document "+strconv.FormatUint(uint64(id), 10)+" does not exist.")
	}
	return err
}
