package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollectionID = "6a1f9c2e-0000-4000-8000-000000000001"

// newChromaTestServer serves the collection resolve endpoint plus a
// caller-provided handler for collection operations.
func newChromaTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "kb_chunks", body["name"])
		assert.Equal(t, true, body["get_or_create"])
		json.NewEncoder(w).Encode(map[string]any{"id": testCollectionID, "name": "kb_chunks"})
	})
	mux.HandleFunc("/api/v1/collections/", handler)
	return httptest.NewServer(mux)
}

func TestChromaStoreUpsert(t *testing.T) {
	var got map[string]any
	srv := newChromaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/"+testCollectionID+"/upsert", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("true"))
	})
	defer srv.Close()

	store := NewChromaStore(ChromaConfig{BaseURL: srv.URL, Collection: "kb_chunks"}, nil)
	err := store.Upsert(context.Background(), []VectorRecord{
		{ID: "5:0", Embedding: []float64{0.1, 0.2}, Text: "hello", Metadata: map[string]any{"document_id": 5}},
		{ID: "5:1", Embedding: []float64{0.3, 0.4}, Text: "world", Metadata: map[string]any{"document_id": 5}},
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"5:0", "5:1"}, got["ids"])
	assert.Len(t, got["embeddings"], 2)
	assert.Equal(t, []any{"hello", "world"}, got["documents"])
}

func TestChromaStoreUpsertRejectsEmptyEmbedding(t *testing.T) {
	srv := newChromaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no collection op expected")
	})
	defer srv.Close()

	store := NewChromaStore(ChromaConfig{BaseURL: srv.URL, Collection: "kb_chunks"}, nil)
	err := store.Upsert(context.Background(), []VectorRecord{{ID: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding")
}

func TestChromaStoreQuery(t *testing.T) {
	srv := newChromaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/"+testCollectionID+"/query", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 2, body["n_results"])
		// document_ids 过滤被翻译成 $in
		where := body["where"].(map[string]any)
		assert.Contains(t, where, "document_id")

		json.NewEncoder(w).Encode(map[string]any{
			"ids":       [][]string{{"5:0", "7:2"}},
			"documents": [][]string{{"alpha", "beta"}},
			"metadatas": [][]map[string]any{{
				{"document_id": 5, "chunk_index": 0},
				{"document_id": 7, "chunk_index": 2},
			}},
			"distances": [][]float64{{0.1, 0.4}},
		})
	})
	defer srv.Close()

	store := NewChromaStore(ChromaConfig{BaseURL: srv.URL, Collection: "kb_chunks"}, nil)
	hits, err := store.Query(context.Background(), VectorQuery{
		Embedding: []float64{1, 0},
		TopK:      2,
		Filter:    map[string]any{"document_id": []any{5, 7}},
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "5:0", hits[0].ID)
	assert.Equal(t, "alpha", hits[0].Text)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9) // 1 - distance
	assert.InDelta(t, 0.6, hits[1].Score, 1e-9)
}

func TestChromaStoreQueryZeroTopK(t *testing.T) {
	store := NewChromaStore(ChromaConfig{Collection: "kb_chunks"}, nil)
	hits, err := store.Query(context.Background(), VectorQuery{Embedding: []float64{1}, TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromaStoreDeleteWhere(t *testing.T) {
	var got map[string]any
	srv := newChromaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/"+testCollectionID+"/delete", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("[]"))
	})
	defer srv.Close()

	store := NewChromaStore(ChromaConfig{BaseURL: srv.URL, Collection: "kb_chunks"}, nil)
	require.NoError(t, store.DeleteWhere(context.Background(), map[string]any{"document_id": 5}))

	where := got["where"].(map[string]any)
	assert.EqualValues(t, 5, where["document_id"])
}

func TestChromaStoreDeleteWhereRequiresFilter(t *testing.T) {
	store := NewChromaStore(ChromaConfig{Collection: "kb_chunks"}, nil)
	err := store.DeleteWhere(context.Background(), nil)
	require.Error(t, err)
}

func TestChromaStoreErrorIncludesBody(t *testing.T) {
	srv := newChromaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})
	defer srv.Close()

	store := NewChromaStore(ChromaConfig{BaseURL: srv.URL, Collection: "kb_chunks"}, nil)
	err := store.Upsert(context.Background(), []VectorRecord{{ID: "x", Embedding: []float64{1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Contains(t, err.Error(), "boom")
}

func TestChromaWhereConjunction(t *testing.T) {
	where := chromaWhere(map[string]any{"a": 1, "b": []any{2, 3}})
	and, ok := where["$and"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, and, 2)
}
