package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/types"
)

// Retrieval strategies form a closed set; anything else is rejected by
// SetRetrieval and silently falls back to similarity at query time.
const (
	StrategySimilarity     = "similarity"
	StrategyScoreThreshold = "similarity_score_threshold"
	StrategyMMR            = "mmr"
)

// Chunking method names stored in the runtime config. The typed
// rag.ChunkingMethod constants are defined on top of these.
const (
	MethodRecursiveCharacter = "recursive_character"
	MethodCharacter          = "character"
	MethodToken              = "token"
	MethodMarkdownHeader     = "markdown_header"
	MethodSentence           = "sentence"
	MethodSemantic           = "semantic"
)

// KnownChunkingMethodName reports whether name is in the closed
// chunking-method set.
func KnownChunkingMethodName(name string) bool {
	switch name {
	case MethodRecursiveCharacter, MethodCharacter, MethodToken,
		MethodMarkdownHeader, MethodSentence, MethodSemantic:
		return true
	}
	return false
}

// Provider kinds used when validating a model selection.
const (
	KindLLM       = "llm"
	KindEmbedding = "embedding"
)

// ModelSelection is the active provider/model quadruple.
type ModelSelection struct {
	ChatProvider      string `json:"chat_provider"`
	ChatModel         string `json:"chat_model"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
}

// RetrievalSettings are the active retrieval parameters. Optional
// fields are pointers so "unset" survives the JSON round trip.
type RetrievalSettings struct {
	RetrievalStrategy string   `json:"retrieval_strategy"`
	TopK              int      `json:"top_k"`
	ScoreThreshold    *float64 `json:"score_threshold"`
	FetchK            *int     `json:"fetch_k"`
	LambdaMult        *float64 `json:"lambda_mult"`
	ChunkingMethod    *string  `json:"chunking_method"`
	VectorBackend     string   `json:"vector_backend"`
}

// runtimeFile is the on-disk layout of the runtime config file.
type runtimeFile struct {
	ChatProvider      string            `json:"chat_provider"`
	ChatModel         string            `json:"chat_model"`
	EmbeddingProvider string            `json:"embedding_provider"`
	EmbeddingModel    string            `json:"embedding_model"`
	RAG               RetrievalSettings `json:"rag"`
}

// Scope identifies which part of the runtime config changed, so
// subscribers can invalidate only what the change affects.
type Scope int

const (
	// ScopeModels covers the provider/model quadruple; invalidates
	// chat, embedding and vector-index clients.
	ScopeModels Scope = iota
	// ScopeRetrieval covers retrieval parameters; invalidates the
	// vector-index client only.
	ScopeRetrieval
)

// Catalog is the subset of the provider registry the runtime store
// needs when validating a model selection. Lookups are live; a
// provider that went away since the last call fails validation.
type Catalog interface {
	HasProvider(ctx context.Context, kind, key string) bool
	HasModel(ctx context.Context, kind, key, modelID string) bool
}

// RuntimeStore owns the mutable process-wide configuration persisted
// to a JSON file. Every read and write is serialized through one
// mutex, so no caller ever observes a partially written file. Writes
// are last-writer-wins.
type RuntimeStore struct {
	path     string
	defaults *Config
	catalog  Catalog
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers []func(Scope)
}

// NewRuntimeStore creates the store. The file is created lazily on
// first read.
func NewRuntimeStore(path string, defaults *Config, catalog Catalog, logger *zap.Logger) *RuntimeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeStore{
		path:     path,
		defaults: defaults,
		catalog:  catalog,
		logger:   logger.With(zap.String("component", "runtime_config")),
	}
}

// Subscribe registers a config-change callback. Callbacks run outside
// the store lock, after the file write has completed.
func (s *RuntimeStore) Subscribe(fn func(Scope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *RuntimeStore) notify(scope Scope) {
	s.mu.Lock()
	subs := make([]func(Scope), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(scope)
	}
}

func (s *RuntimeStore) modelDefaults() ModelSelection {
	r := s.defaults.Retrieval
	return ModelSelection{
		ChatProvider:      r.DefaultProvider,
		ChatModel:         r.DefaultChatModel,
		EmbeddingProvider: r.DefaultProvider,
		EmbeddingModel:    r.DefaultEmbedModel,
	}
}

func (s *RuntimeStore) retrievalDefaults() RetrievalSettings {
	r := s.defaults.Retrieval
	fetchK := r.DefaultFetchK
	lambda := r.DefaultLambdaMult
	return RetrievalSettings{
		RetrievalStrategy: StrategySimilarity,
		TopK:              r.TopK,
		FetchK:            &fetchK,
		LambdaMult:        &lambda,
		VectorBackend:     r.DefaultVectorBucket,
	}
}

// readFile loads the on-disk state, healing an absent, corrupt, or
// incomplete file by writing defaults back. Callers must hold s.mu.
func (s *RuntimeStore) readFile() runtimeFile {
	defaults := runtimeFile{
		ChatProvider:      s.modelDefaults().ChatProvider,
		ChatModel:         s.modelDefaults().ChatModel,
		EmbeddingProvider: s.modelDefaults().EmbeddingProvider,
		EmbeddingModel:    s.modelDefaults().EmbeddingModel,
		RAG:               s.retrievalDefaults(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("runtime config unreadable, rewriting defaults", zap.Error(err))
		}
		s.writeFile(defaults)
		return defaults
	}

	var f runtimeFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("runtime config corrupt, rewriting defaults", zap.Error(err))
		s.writeFile(defaults)
		return defaults
	}

	// Heal individual fields rather than discarding the whole file.
	healed := false
	if f.ChatProvider == "" {
		f.ChatProvider = defaults.ChatProvider
		healed = true
	}
	if f.ChatModel == "" {
		f.ChatModel = defaults.ChatModel
		healed = true
	}
	if f.EmbeddingProvider == "" {
		f.EmbeddingProvider = defaults.EmbeddingProvider
		healed = true
	}
	if f.EmbeddingModel == "" {
		f.EmbeddingModel = defaults.EmbeddingModel
		healed = true
	}
	if f.RAG.RetrievalStrategy == "" {
		f.RAG = defaults.RAG
		healed = true
	}
	if f.RAG.TopK <= 0 {
		f.RAG.TopK = defaults.RAG.TopK
		healed = true
	}
	if f.RAG.VectorBackend == "" {
		f.RAG.VectorBackend = defaults.RAG.VectorBackend
		healed = true
	}
	if healed {
		s.writeFile(f)
	}
	return f
}

// writeFile persists the state. Callers must hold s.mu.
func (s *RuntimeStore) writeFile(f runtimeFile) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("failed to create runtime config dir", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal runtime config", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error("failed to write runtime config", zap.Error(err))
	}
}

// Models returns an immutable snapshot of the active model selection.
func (s *RuntimeStore) Models() ModelSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.readFile()
	return ModelSelection{
		ChatProvider:      f.ChatProvider,
		ChatModel:         f.ChatModel,
		EmbeddingProvider: f.EmbeddingProvider,
		EmbeddingModel:    f.EmbeddingModel,
	}
}

// Retrieval returns an immutable snapshot of the retrieval settings.
func (s *RuntimeStore) Retrieval() RetrievalSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFile().RAG
}

// SetModels validates and persists a new model selection. The write is
// all-or-nothing: the first offending field fails the call and leaves
// the file untouched. On success every cached provider client is
// invalidated through the subscriber chain.
func (s *RuntimeStore) SetModels(ctx context.Context, sel ModelSelection) (ModelSelection, error) {
	s.mu.Lock()

	if err := s.validateSelection(ctx, sel); err != nil {
		s.mu.Unlock()
		return ModelSelection{}, err
	}

	f := s.readFile()
	f.ChatProvider = sel.ChatProvider
	f.ChatModel = sel.ChatModel
	f.EmbeddingProvider = sel.EmbeddingProvider
	f.EmbeddingModel = sel.EmbeddingModel
	s.writeFile(f)
	s.mu.Unlock()

	s.logger.Info("runtime model selection updated",
		zap.String("chat_provider", sel.ChatProvider),
		zap.String("chat_model", sel.ChatModel),
		zap.String("embedding_provider", sel.EmbeddingProvider),
		zap.String("embedding_model", sel.EmbeddingModel),
	)
	s.notify(ScopeModels)
	return sel, nil
}

func (s *RuntimeStore) validateSelection(ctx context.Context, sel ModelSelection) error {
	if !s.catalog.HasProvider(ctx, KindLLM, sel.ChatProvider) {
		return types.NewError(types.ErrInvalidSelection,
			fmt.Sprintf("Provider '%s' is not available for llm", sel.ChatProvider))
	}
	if !s.catalog.HasProvider(ctx, KindEmbedding, sel.EmbeddingProvider) {
		return types.NewError(types.ErrInvalidSelection,
			fmt.Sprintf("Provider '%s' is not available for embedding", sel.EmbeddingProvider))
	}
	if !s.catalog.HasModel(ctx, KindLLM, sel.ChatProvider, sel.ChatModel) {
		return types.NewError(types.ErrInvalidSelection,
			fmt.Sprintf("Model '%s' not found for provider '%s'", sel.ChatModel, sel.ChatProvider))
	}
	if !s.catalog.HasModel(ctx, KindEmbedding, sel.EmbeddingProvider, sel.EmbeddingModel) {
		return types.NewError(types.ErrInvalidSelection,
			fmt.Sprintf("Model '%s' not found for provider '%s'", sel.EmbeddingModel, sel.EmbeddingProvider))
	}
	return nil
}

// SetRetrieval validates and persists new retrieval settings. Only the
// vector-index client cache is invalidated; chat and embedding clients
// stay warm.
func (s *RuntimeStore) SetRetrieval(sel RetrievalSettings) (RetrievalSettings, error) {
	switch sel.RetrievalStrategy {
	case StrategySimilarity, StrategyScoreThreshold, StrategyMMR:
	default:
		return RetrievalSettings{}, types.NewError(types.ErrUnsupportedStrategy,
			fmt.Sprintf("Unsupported retrieval strategy '%s'", sel.RetrievalStrategy))
	}
	// chunking_method 与上传入口同一闸门，坏值不落盘
	if sel.ChunkingMethod != nil && !KnownChunkingMethodName(*sel.ChunkingMethod) {
		return RetrievalSettings{}, types.NewError(types.ErrUnsupportedStrategy,
			fmt.Sprintf("Unsupported chunking method '%s'", *sel.ChunkingMethod))
	}

	defaults := s.retrievalDefaults()
	if sel.TopK <= 0 {
		sel.TopK = defaults.TopK
	}
	if sel.FetchK == nil {
		sel.FetchK = defaults.FetchK
	}
	if sel.LambdaMult == nil {
		sel.LambdaMult = defaults.LambdaMult
	}
	if sel.VectorBackend == "" {
		sel.VectorBackend = defaults.VectorBackend
	}

	s.mu.Lock()
	f := s.readFile()
	f.RAG = sel
	s.writeFile(f)
	s.mu.Unlock()

	s.logger.Info("runtime retrieval settings updated",
		zap.String("strategy", sel.RetrievalStrategy),
		zap.Int("top_k", sel.TopK),
	)
	s.notify(ScopeRetrieval)
	return sel, nil
}

// ResetRetrieval restores retrieval defaults without touching the
// model selection.
func (s *RuntimeStore) ResetRetrieval() RetrievalSettings {
	defaults := s.retrievalDefaults()

	s.mu.Lock()
	f := s.readFile()
	f.RAG = defaults
	s.writeFile(f)
	s.mu.Unlock()

	s.logger.Info("runtime retrieval settings reset to defaults")
	s.notify(ScopeRetrieval)
	return defaults
}
