// Package ollama implements the local Ollama provider: model listing
// via /api/tags, NDJSON chat streaming via /api/chat, and batch
// embedding via /api/embed.
package ollama

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

// Config configures the Ollama provider.
type Config struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type Provider struct {
	llm.Sealed

	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("provider", "ollama")),
	}
}

func (p *Provider) Key() string   { return "ollama" }
func (p *Provider) Label() string { return "Ollama" }

// IsAvailable probes the local daemon.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns every local model. Ollama does not distinguish
// generation from embedding models, so both kinds see the same list.
func (p *Provider) ListModels(ctx context.Context, _ string) ([]llm.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama list models: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]llm.ModelInfo, 0, len(body.Models))
	for _, m := range body.Models {
		out = append(out, llm.ModelInfo{ID: m.Name, Name: m.Name})
	}
	return out, nil
}

// Stream posts a chat request and relays Ollama's NDJSON stream over
// a channel. The producer watches ctx and stops reading upstream as
// soon as the consumer cancels.
func (p *Provider) Stream(ctx context.Context, model string, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama chat: status=%d body=%s", resp.StatusCode, string(raw))
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: fmt.Errorf("ollama stream decode: %w", err)}:
				}
				return
			}
			if chunk.Error != "" {
				select {
				case <-ctx.Done():
				case ch <- llm.StreamChunk{Err: fmt.Errorf("ollama stream: %s", chunk.Error)}:
				}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{Content: chunk.Message.Content}:
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case <-ctx.Done():
			case ch <- llm.StreamChunk{Err: fmt.Errorf("ollama stream read: %w", err)}:
			}
		}
	}()
	return ch, nil
}

// Embed embeds a batch of texts via /api/embed.
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama embed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var body struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d embeddings for %d inputs", len(body.Embeddings), len(texts))
	}
	return body.Embeddings, nil
}
