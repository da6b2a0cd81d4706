package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/docbase/llm"
)

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "gemma3:4b"},
				{"name": "embeddinggemma:latest"},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	got, err := p.ListModels(context.Background(), llm.KindLLM)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "gemma3:4b", got[0].ID)
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}))
	p := New(Config{BaseURL: srv.URL}, nil)
	assert.True(t, p.IsAvailable(context.Background()))

	srv.Close()
	assert.False(t, p.IsAvailable(context.Background()))
}

func TestStreamRelaysNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gemma3:4b", body["model"])
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message":{"content":"Hello"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":" there"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	ch, err := p.Stream(context.Background(), "gemma3:4b", []llm.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Hello there", got)
}

func TestStreamSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model 'nope' not found"}` + "\n"))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	ch, err := p.Stream(context.Background(), "nope", nil)
	require.NoError(t, err)

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "not found")
}

func TestStreamHTTPErrorFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	_, err := p.Stream(context.Background(), "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestStreamStopsOnCancel(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"first"},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		<-blocked // 挂住连接，模拟慢上游
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{BaseURL: srv.URL}, nil)
	ch, err := p.Stream(ctx, "m", nil)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Content)
	cancel()

	// 取消后生产者应很快关闭通道
	select {
	case _, open := <-ch:
		if open {
			// 可能残留一个错误块，随后必须关闭
			_, open = <-ch
			assert.False(t, open)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embeddinggemma:latest", body["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	got, err := p.Embed(context.Background(), "embeddinggemma:latest", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{0.3, 0.4}, got[1])
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{0.1}}})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, nil)
	_, err := p.Embed(context.Background(), "m", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 embeddings for 2 inputs")
}

func TestEmbedEmptyInput(t *testing.T) {
	p := New(Config{}, nil)
	got, err := p.Embed(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
