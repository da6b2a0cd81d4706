package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/api"
	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/ingest"
	"github.com/BaSui01/docbase/internal/database"
	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/internal/server"
	"github.com/BaSui01/docbase/llm"
	"github.com/BaSui01/docbase/llm/providers/ollama"
	"github.com/BaSui01/docbase/llm/providers/openai"
	"github.com/BaSui01/docbase/query"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/store"
)

// serve 组装所有组件并运行 HTTP 服务,直到收到退出信号。
func serve(cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	docs := store.New(db, logger)

	providers := []llm.Provider{
		ollama.New(ollama.Config{
			BaseURL: cfg.Ollama.BaseURL,
			Timeout: cfg.Ollama.Timeout,
		}, logger),
	}
	if cfg.OpenAI.APIKey != "" {
		providers = append(providers, openai.New(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Timeout: cfg.OpenAI.Timeout,
		}, logger))
	}
	registry := llm.NewRegistry(logger, providers...)

	runtime := config.NewRuntimeStore(cfg.Storage.RuntimeConfigPath(), cfg, registry, logger)
	clients := llm.NewClientCache(registry, runtime, logger)

	vectors := rag.NewStoreCache(runtime, func(backend string) (rag.VectorStore, error) {
		switch backend {
		case "chroma":
			return rag.NewChromaStore(rag.ChromaConfig{
				BaseURL:    cfg.Chroma.BaseURL,
				Collection: cfg.Chroma.Collection,
				Timeout:    cfg.Chroma.Timeout,
			}, logger), nil
		case "memory":
			return rag.NewMemoryVectorStore(), nil
		default:
			return nil, fmt.Errorf("unknown vector backend: %s", backend)
		}
	}, logger)

	tokenizer := rag.NewTiktokenTokenizer("", logger)
	chunker := rag.NewChunker(rag.ChunkerConfig{
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
	}, tokenizer, logger)

	converter := ingest.NewDoclingConverter(cfg.Docling.BaseURL, cfg.Docling.Timeout, logger)
	storage := ingest.NewFileStorage(cfg.Storage.FileDir(),
		int64(cfg.Storage.MaxFileMB*1024*1024), logger)

	pipeline := ingest.NewPipeline(docs, vectors, chunker, converter, storage,
		clients, runtime, ingest.Options{}, logger)
	retriever := rag.NewRetriever(clients, vectors, docs, logger)
	orchestrator := query.NewOrchestrator(retriever, clients, runtime, 0, logger)

	m := metrics.New()
	apiServer := api.NewServer(cfg.Server, api.Deps{
		Pipeline:     pipeline,
		Docs:         docs,
		Registry:     registry,
		Runtime:      runtime,
		Orchestrator: orchestrator,
		Metrics:      m,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, cfg.Server, apiServer.Handler(), logger)
}
