package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/ingest"
	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/llm"
	"github.com/BaSui01/docbase/query"
	"github.com/BaSui01/docbase/store"
)

// Server wires the handlers and middleware into one http.Handler.
type Server struct {
	mux    *http.ServeMux
	cfg    config.ServerConfig
	logger *zap.Logger
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Pipeline     *ingest.Pipeline
	Docs         *store.Store
	Registry     *llm.Registry
	Runtime      *config.RuntimeStore
	Orchestrator *query.Orchestrator
	Metrics      *metrics.Metrics
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	NewFilesHandler(deps.Pipeline, deps.Docs, deps.Metrics, logger).RegisterRoutes(mux)
	NewProvidersHandler(deps.Registry, deps.Runtime, logger).RegisterRoutes(mux)
	NewQueryHandler(deps.Orchestrator, deps.Metrics, logger).RegisterRoutes(mux)
	NewSystemHandler(deps.Docs, deps.Metrics, logger).RegisterRoutes(mux)

	return &Server{mux: mux, cfg: cfg, logger: logger}
}

// Handler returns the routed handler with middleware applied,
// outermost first: recovery, request id, access log, rate limit.
func (s *Server) Handler() http.Handler {
	mw := []Middleware{
		Recovery(s.logger),
		RequestID(),
		AccessLog(s.logger),
	}
	if s.cfg.RateLimitRPS > 0 {
		mw = append(mw, RateLimit(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}
	return Chain(s.mux, mw...)
}
