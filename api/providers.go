package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/llm"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/types"
)

// ProvidersHandler exposes provider discovery and the mutable runtime
// configuration: active models and retrieval parameters.
type ProvidersHandler struct {
	registry *llm.Registry
	runtime  *config.RuntimeStore
	logger   *zap.Logger
}

func NewProvidersHandler(registry *llm.Registry, runtime *config.RuntimeStore, logger *zap.Logger) *ProvidersHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProvidersHandler{registry: registry, runtime: runtime, logger: logger}
}

func (h *ProvidersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/providers", h.listProviders)
	mux.HandleFunc("GET /api/providers/{key}/models", h.listModels)
	mux.HandleFunc("GET /api/config/models", h.getModels)
	mux.HandleFunc("PUT /api/config/models", h.setModels)
	mux.HandleFunc("GET /api/config/retrieval", h.getRetrieval)
	mux.HandleFunc("PUT /api/config/retrieval", h.setRetrieval)
	mux.HandleFunc("POST /api/config/retrieval/reset", h.resetRetrieval)
	mux.HandleFunc("GET /api/config/retrieval/options", h.retrievalOptions)
}

// retrievalOptions lists the closed sets a client may choose from.
func (h *ProvidersHandler) retrievalOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"retrieval_strategies": []string{
			config.StrategySimilarity,
			config.StrategyScoreThreshold,
			config.StrategyMMR,
		},
		"chunking_methods": []rag.ChunkingMethod{
			rag.ChunkRecursive,
			rag.ChunkCharacter,
			rag.ChunkToken,
			rag.ChunkMarkdownHeader,
			rag.ChunkSentence,
			rag.ChunkSemantic,
		},
		"vector_backends": []string{"chroma", "memory"},
	})
}

// listProviders returns providers that answered a liveness probe.
// Unreachable ones are omitted rather than reported as errors so the
// UI can render a selection list from whatever is running.
func (h *ProvidersHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	providers := h.registry.ListAvailable(r.Context(), kind)
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (h *ProvidersHandler) listModels(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = config.KindLLM
	}
	if kind != config.KindLLM && kind != config.KindEmbedding {
		writeError(w, h.logger, types.NewError(types.ErrInvalidSelection,
			"Unknown model kind: "+kind).WithHint("Use kind=llm or kind=embedding."))
		return
	}

	models, err := h.registry.ListModels(r.Context(), kind, r.PathValue("key"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *ProvidersHandler) getModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runtime.Models())
}

// setModels validates and persists a full model selection. A rejected
// selection leaves the stored one untouched.
func (h *ProvidersHandler) setModels(w http.ResponseWriter, r *http.Request) {
	var sel config.ModelSelection
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, h.logger, types.NewError(types.ErrInvalidSelection,
			"Request body is not a valid model selection.").WithCause(err).
			WithHTTPStatus(http.StatusBadRequest))
		return
	}

	applied, err := h.runtime.SetModels(r.Context(), sel)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (h *ProvidersHandler) getRetrieval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runtime.Retrieval())
}

func (h *ProvidersHandler) setRetrieval(w http.ResponseWriter, r *http.Request) {
	var sel config.RetrievalSettings
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, h.logger, types.NewError(types.ErrUnsupportedStrategy,
			"Request body is not a valid retrieval configuration.").WithCause(err).
			WithHTTPStatus(http.StatusBadRequest))
		return
	}

	applied, err := h.runtime.SetRetrieval(sel)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (h *ProvidersHandler) resetRetrieval(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runtime.ResetRetrieval())
}
