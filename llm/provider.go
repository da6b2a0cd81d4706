package llm

import (
	"context"
)

// Kind 区分生成与嵌入两类模型能力。
const (
	KindLLM       = "llm"
	KindEmbedding = "embedding"
)

// ModelInfo 一个可选模型。
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProviderDescriptor 对外暴露的提供方描述。
type ProviderDescriptor struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Message 一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk 流式生成的一个增量。Err 非空时流随即结束。
type StreamChunk struct {
	Content string
	Err     error
}

// Provider 是生成/嵌入提供方的封闭接口：带有未导出方法，外部包
// 无法实现，提供方集合由本模块决定。
type Provider interface {
	// Key 返回稳定标识（如 "ollama"）。
	Key() string
	// Label 返回展示名。
	Label() string
	// IsAvailable 报告后端当前是否可达/已配置。
	IsAvailable(ctx context.Context) bool
	// ListModels 实时拉取指定能力的模型列表，不做缓存。
	ListModels(ctx context.Context, kind string) ([]ModelInfo, error)
	// Stream 流式生成。生产者观察 ctx 取消，消费方断开后
	// 不再读取上游。
	Stream(ctx context.Context, model string, messages []Message) (<-chan StreamChunk, error)
	// Embed 批量嵌入文本。
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)

	sealed()
}

// Sealed 嵌入到提供方实现中以满足封闭接口。
type Sealed struct{}

func (Sealed) sealed() {}
