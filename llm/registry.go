package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/types"
)

// Registry 持有所有已注册提供方，按注册顺序枚举。
// 可用性与模型列表全部实时查询，不缓存。
type Registry struct {
	providers map[string]Provider
	order     []string
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		logger:    logger.With(zap.String("component", "provider_registry")),
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Key()]; dup {
			continue
		}
		r.providers[p.Key()] = p
		r.order = append(r.order, p.Key())
	}
	return r
}

// Get returns a registered provider by key.
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, types.NewError(types.ErrProviderNotFound,
			fmt.Sprintf("Provider '%s' is not registered", key))
	}
	return p, nil
}

// ListAvailable returns descriptors for providers whose backing
// capability is currently reachable or configured. Availability does
// not depend on kind: both kinds share one backend per provider.
func (r *Registry) ListAvailable(ctx context.Context, _ string) []ProviderDescriptor {
	out := make([]ProviderDescriptor, 0, len(r.order))
	for _, key := range r.order {
		p := r.providers[key]
		if !p.IsAvailable(ctx) {
			continue
		}
		out = append(out, ProviderDescriptor{Key: p.Key(), Label: p.Label()})
	}
	return out
}

// ListModels fetches the live model list for one provider. An unknown
// key fails with ProviderNotFound; a known but unreachable provider
// degrades to an empty list with the failure logged.
func (r *Registry) ListModels(ctx context.Context, kind, key string) ([]ModelInfo, error) {
	p, err := r.Get(key)
	if err != nil {
		return nil, err
	}

	models, err := p.ListModels(ctx, kind)
	if err != nil {
		r.logger.Warn("model listing failed, returning empty list",
			zap.String("provider", key),
			zap.String("kind", kind),
			zap.Error(err))
		return []ModelInfo{}, nil
	}
	if models == nil {
		models = []ModelInfo{}
	}
	return models, nil
}

// HasProvider reports whether the key names a currently-available
// provider. Part of the runtime-config validation surface.
func (r *Registry) HasProvider(ctx context.Context, kind, key string) bool {
	for _, d := range r.ListAvailable(ctx, kind) {
		if d.Key == key {
			return true
		}
	}
	return false
}

// HasModel reports whether the model is in the provider's live list.
func (r *Registry) HasModel(ctx context.Context, kind, key, modelID string) bool {
	models, err := r.ListModels(ctx, kind, key)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}
