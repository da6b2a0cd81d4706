package rag

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
)

// VectorStoreFactory builds a VectorStore for a backend key.
type VectorStoreFactory func(backend string) (VectorStore, error)

// StoreCache caches the active vector-index client and rebuilds it
// after any runtime config change. Both set_models and set_retrieval
// invalidate it: a new embedding model or a new backend key both
// change what the index client must point at.
type StoreCache struct {
	runtime *config.RuntimeStore
	factory VectorStoreFactory
	logger  *zap.Logger

	mu      sync.Mutex
	current VectorStore
	backend string
}

func NewStoreCache(runtime *config.RuntimeStore, factory VectorStoreFactory, logger *zap.Logger) *StoreCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &StoreCache{
		runtime: runtime,
		factory: factory,
		logger:  logger.With(zap.String("component", "vector_store_cache")),
	}
	runtime.Subscribe(c.onConfigChange)
	return c
}

func (c *StoreCache) onConfigChange(config.Scope) {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.logger.Info("runtime config changed, vector store client invalidated")
}

// Upsert delegates to the active backend client.
func (c *StoreCache) Upsert(ctx context.Context, records []VectorRecord) error {
	s, err := c.Get()
	if err != nil {
		return err
	}
	return s.Upsert(ctx, records)
}

// DeleteWhere delegates to the active backend client.
func (c *StoreCache) DeleteWhere(ctx context.Context, filter map[string]any) error {
	s, err := c.Get()
	if err != nil {
		return err
	}
	return s.DeleteWhere(ctx, filter)
}

// Query delegates to the active backend client.
func (c *StoreCache) Query(ctx context.Context, q VectorQuery) ([]VectorHit, error) {
	s, err := c.Get()
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, q)
}

// Get returns the vector store for the configured backend, building
// it on first use and after invalidation.
func (c *StoreCache) Get() (VectorStore, error) {
	backend := c.runtime.Retrieval().VectorBackend

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.backend == backend {
		return c.current, nil
	}

	store, err := c.factory(backend)
	if err != nil {
		return nil, err
	}
	c.current = store
	c.backend = backend
	c.logger.Debug("vector store client bound", zap.String("backend", backend))
	return store, nil
}
