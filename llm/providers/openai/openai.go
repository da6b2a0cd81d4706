// Package openai implements the hosted OpenAI provider. Chat
// streaming uses the standard SSE "data:" framing terminated by
// [DONE]; embeddings go through /v1/embeddings.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/llm"
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string        `json:"api_key"`
	BaseURL string        `json:"base_url,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type Provider struct {
	llm.Sealed

	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("provider", "openai")),
	}
}

func (p *Provider) Key() string   { return "openai" }
func (p *Provider) Label() string { return "OpenAI" }

// IsAvailable reports whether an API key is configured. No network
// probe: key presence is the availability contract for hosted APIs.
func (p *Provider) IsAvailable(_ context.Context) bool {
	return strings.TrimSpace(p.apiKey) != ""
}

func (p *Provider) applyHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// ListModels filters the live /v1/models listing by kind: embedding
// models (text-embedding-*) for the embedding kind, everything else
// for generation.
func (p *Provider) ListModels(ctx context.Context, kind string) ([]llm.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.applyHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai list models: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]llm.ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		isEmbedding := strings.HasPrefix(m.ID, "text-embedding")
		if (kind == llm.KindEmbedding) != isEmbedding {
			continue
		}
		out = append(out, llm.ModelInfo{ID: m.ID, Name: m.ID})
	}
	return out, nil
}

// Stream posts a streaming chat completion and parses the SSE frames
// into a channel. The producer observes ctx so no upstream reads
// happen after the consumer disconnects.
func (p *Provider) Stream(ctx context.Context, model string, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.applyHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai chat: status=%d body=%s", resp.StatusCode, string(raw))
	}

	return streamSSE(ctx, resp.Body), nil
}

// streamSSE parses "data:" lines from an OpenAI-compatible SSE stream.
func streamSSE(ctx context.Context, body io.ReadCloser) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case ch <- llm.StreamChunk{Err: fmt.Errorf("openai stream read: %w", err)}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var frame struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: fmt.Errorf("openai stream decode: %w", err)}:
				}
				return
			}

			for _, choice := range frame.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{Content: choice.Delta.Content}:
				}
			}
		}
	}()
	return ch
}

// Embed embeds a batch of texts via /v1/embeddings.
func (p *Provider) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"model": model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.applyHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai embed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var body struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs", len(body.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, d := range body.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
