package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/ingest"
	"github.com/BaSui01/docbase/internal/metrics"
	"github.com/BaSui01/docbase/llm"
	"github.com/BaSui01/docbase/query"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/store"
)

// stubProvider backs the whole HTTP fixture: every text embeds to the
// same vector and generation replays canned chunks.
type stubProvider struct {
	llm.Sealed
	key         string
	chatModels  []llm.ModelInfo
	embedModels []llm.ModelInfo
	chunks      []llm.StreamChunk
	streamCalls int
}

func (p *stubProvider) Key() string                        { return p.key }
func (p *stubProvider) Label() string                      { return p.key }
func (p *stubProvider) IsAvailable(_ context.Context) bool { return true }

func (p *stubProvider) ListModels(_ context.Context, kind string) ([]llm.ModelInfo, error) {
	if kind == llm.KindEmbedding {
		return p.embedModels, nil
	}
	return p.chatModels, nil
}

func (p *stubProvider) Stream(ctx context.Context, _ string, _ []llm.Message) (<-chan llm.StreamChunk, error) {
	p.streamCalls++
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *stubProvider) Embed(_ context.Context, _ string, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

type apiFixture struct {
	ts       *httptest.Server
	provider *stubProvider
	docs     *store.Store
	vectors  *rag.MemoryVectorStore
	runtime  *config.RuntimeStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	docs := store.New(db, nil)

	provider := &stubProvider{
		key:         "ollama",
		chatModels:  []llm.ModelInfo{{ID: "gemma3:4b", Name: "Gemma 3 4B"}},
		embedModels: []llm.ModelInfo{{ID: "embeddinggemma:latest", Name: "EmbeddingGemma"}},
		chunks:      []llm.StreamChunk{{Content: "stub answer"}},
	}
	registry := llm.NewRegistry(nil, provider)
	runtime := config.NewRuntimeStore(
		filepath.Join(t.TempDir(), "runtime_config.json"),
		config.DefaultConfig(), registry, nil)
	clients := llm.NewClientCache(registry, runtime, nil)

	vectors := rag.NewMemoryVectorStore()
	chunker := rag.NewChunker(rag.ChunkerConfig{ChunkSize: 128, ChunkOverlap: 32}, nil, nil)
	converter := ingest.NewDoclingConverter("", 0, nil)
	storage := ingest.NewFileStorage(t.TempDir(), 1024*1024, nil)
	pipeline := ingest.NewPipeline(docs, vectors, chunker, converter, storage,
		clients, runtime, ingest.Options{}, nil)

	retriever := rag.NewRetriever(clients, vectors, docs, nil)
	orchestrator := query.NewOrchestrator(retriever, clients, runtime, time.Minute, nil)

	srv := NewServer(config.ServerConfig{}, Deps{
		Pipeline:     pipeline,
		Docs:         docs,
		Registry:     registry,
		Runtime:      runtime,
		Orchestrator: orchestrator,
		Metrics:      metrics.New(),
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, provider: provider, docs: docs, vectors: vectors, runtime: runtime}
}

// uploadFile posts filename/content as a multipart upload and returns
// the response.
func (f *apiFixture) uploadFile(t *testing.T, filename, content string) *http.Response {
	t.Helper()
	req := newMultipartRequest(t, http.MethodPost, f.ts.URL+"/api/files", filename, content, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// newMultipartRequest builds a multipart request carrying one file
// part plus extra form fields.
func newMultipartRequest(t *testing.T, method, url, filename, content string, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(method, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
