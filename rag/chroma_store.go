package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChromaConfig configures the Chroma-backed VectorStore.
type ChromaConfig struct {
	BaseURL    string        `json:"base_url"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Distance   string        `json:"distance,omitempty"` // cosine (default), l2, ip
}

// ChromaStore implements VectorStore against Chroma's REST API. The
// collection is resolved (get-or-create) once per process and the
// resulting collection UUID is reused for every subsequent call.
type ChromaStore struct {
	cfg ChromaConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce   sync.Once
	ensureErr    error
	collectionID string
}

// NewChromaStore creates a Chroma-backed VectorStore.
func NewChromaStore(cfg ChromaConfig, logger *zap.Logger) *ChromaStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "cosine"
	}

	return &ChromaStore{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "chroma_store")),
	}
}

// ensureCollection resolves the collection UUID, creating the
// collection on first use.
func (s *ChromaStore) ensureCollection(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("chroma collection is required")
	}

	s.ensureOnce.Do(func() {
		body := map[string]any{
			"name":          s.cfg.Collection,
			"get_or_create": true,
			"metadata":      map[string]any{"hnsw:space": s.cfg.Distance},
		}
		var resp struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := s.doJSON(ctx, http.MethodPost, "/api/v1/collections", body, &resp); err != nil {
			s.ensureErr = err
			return
		}
		if resp.ID == "" {
			s.ensureErr = fmt.Errorf("chroma returned empty collection id for %q", s.cfg.Collection)
			return
		}
		s.collectionID = resp.ID
		s.logger.Info("chroma collection ready",
			zap.String("collection", resp.Name),
			zap.String("id", resp.ID))
	})

	return s.ensureErr
}

func (s *ChromaStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chroma request failed: method=%s path=%s status=%d body=%s",
			method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *ChromaStore) collectionPath(op string) string {
	return fmt.Sprintf("/api/v1/collections/%s/%s", url.PathEscape(s.collectionID), op)
}

func (s *ChromaStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	embeddings := make([][]float64, 0, len(records))
	documents := make([]string, 0, len(records))
	metadatas := make([]map[string]any, 0, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record[%d] has empty id", i)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record[%d] has no embedding", i)
		}
		ids = append(ids, r.ID)
		embeddings = append(embeddings, r.Embedding)
		documents = append(documents, r.Text)
		metadatas = append(metadatas, r.Metadata)
	}

	body := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"documents":  documents,
		"metadatas":  metadatas,
	}
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("upsert"), body, nil); err != nil {
		return err
	}

	s.logger.Debug("chroma upsert completed", zap.Int("count", len(records)))
	return nil
}

func (s *ChromaStore) DeleteWhere(ctx context.Context, filter map[string]any) error {
	if len(filter) == 0 {
		return fmt.Errorf("chroma delete requires a filter")
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	body := map[string]any{"where": chromaWhere(filter)}
	return s.doJSON(ctx, http.MethodPost, s.collectionPath("delete"), body, nil)
}

func (s *ChromaStore) Query(ctx context.Context, q VectorQuery) ([]VectorHit, error) {
	if q.TopK <= 0 {
		return []VectorHit{}, nil
	}
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	include := []string{"documents", "metadatas", "distances"}
	if q.IncludeEmbeddings {
		include = append(include, "embeddings")
	}
	body := map[string]any{
		"query_embeddings": [][]float64{q.Embedding},
		"n_results":        q.TopK,
		"include":          include,
	}
	if len(q.Filter) > 0 {
		body["where"] = chromaWhere(q.Filter)
	}

	var resp struct {
		IDs        [][]string         `json:"ids"`
		Documents  [][]string         `json:"documents"`
		Metadatas  [][]map[string]any `json:"metadatas"`
		Distances  [][]float64        `json:"distances"`
		Embeddings [][][]float64      `json:"embeddings"`
	}
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("query"), body, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return []VectorHit{}, nil
	}

	hits := make([]VectorHit, 0, len(resp.IDs[0]))
	for i, id := range resp.IDs[0] {
		hit := VectorHit{ID: id}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			hit.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			hit.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			// cosine distance -> similarity
			hit.Score = 1.0 - resp.Distances[0][i]
		}
		if q.IncludeEmbeddings && len(resp.Embeddings) > 0 && i < len(resp.Embeddings[0]) {
			hit.Embedding = resp.Embeddings[0][i]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// chromaWhere converts the generic filter into Chroma's where syntax:
// []any membership becomes {"$in": [...]}, multiple fields become an
// {"$and": [...]} conjunction.
func chromaWhere(filter map[string]any) map[string]any {
	clauses := make([]map[string]any, 0, len(filter))
	for key, want := range filter {
		if set, ok := want.([]any); ok {
			clauses = append(clauses, map[string]any{key: map[string]any{"$in": set}})
			continue
		}
		clauses = append(clauses, map[string]any{key: want})
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return map[string]any{"$and": clauses}
}
