package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/types"
)

// boundModel is one resolved provider+model pair.
type boundModel struct {
	provider Provider
	model    string
}

// ClientCache resolves the active chat and embedding clients from the
// runtime configuration and caches the resolution. It subscribes to
// the runtime store, so a successful set_models drops both cached
// clients and the next access rebuilds them against the new selection.
type ClientCache struct {
	registry *Registry
	runtime  *config.RuntimeStore
	logger   *zap.Logger

	mu        sync.Mutex
	chat      *boundModel
	embedding *boundModel
}

// NewClientCache creates the cache and wires it to runtime config
// change notifications.
func NewClientCache(registry *Registry, runtime *config.RuntimeStore, logger *zap.Logger) *ClientCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ClientCache{
		registry: registry,
		runtime:  runtime,
		logger:   logger.With(zap.String("component", "client_cache")),
	}
	runtime.Subscribe(c.onConfigChange)
	return c
}

func (c *ClientCache) onConfigChange(scope config.Scope) {
	if scope != config.ScopeModels {
		return
	}
	c.mu.Lock()
	c.chat = nil
	c.embedding = nil
	c.mu.Unlock()
	c.logger.Info("model selection changed, provider clients invalidated")
}

// chatClient resolves (and caches) the active generation client.
func (c *ClientCache) chatClient() (*boundModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chat != nil {
		return c.chat, nil
	}

	sel := c.runtime.Models()
	p, err := c.registry.Get(sel.ChatProvider)
	if err != nil {
		return nil, err
	}
	c.chat = &boundModel{provider: p, model: sel.ChatModel}
	c.logger.Debug("chat client bound",
		zap.String("provider", sel.ChatProvider),
		zap.String("model", sel.ChatModel))
	return c.chat, nil
}

// embeddingClient resolves (and caches) the active embedding client.
func (c *ClientCache) embeddingClient() (*boundModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.embedding != nil {
		return c.embedding, nil
	}

	sel := c.runtime.Models()
	p, err := c.registry.Get(sel.EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	c.embedding = &boundModel{provider: p, model: sel.EmbeddingModel}
	c.logger.Debug("embedding client bound",
		zap.String("provider", sel.EmbeddingProvider),
		zap.String("model", sel.EmbeddingModel))
	return c.embedding, nil
}

// EmbedQuery embeds a single query text with the active embedding
// model.
func (c *ClientCache) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("Expected 1 embedding, got %d", len(vectors)))
	}
	return vectors[0], nil
}

// EmbedTexts embeds a batch of passage texts with the active
// embedding model.
func (c *ClientCache) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	b, err := c.embeddingClient()
	if err != nil {
		return nil, err
	}
	vectors, err := b.provider.Embed(ctx, b.model, texts)
	if err != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("Embedding with %s/%s failed", b.provider.Key(), b.model)).WithCause(err)
	}
	return vectors, nil
}

// StreamChat streams a chat completion from the active generation
// model.
func (c *ClientCache) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	b, err := c.chatClient()
	if err != nil {
		return nil, err
	}
	ch, err := b.provider.Stream(ctx, b.model, messages)
	if err != nil {
		return nil, types.NewError(types.ErrGenerationFailed,
			fmt.Sprintf("Generation with %s/%s failed", b.provider.Key(), b.model)).WithCause(err)
	}
	return ch, nil
}
