package rag

import (
	"context"
	"math"
	"sort"
	"sync"
)

// VectorRecord is one indexed passage embedding. Metadata carries the
// relational keys needed to resolve the passage back to its document.
type VectorRecord struct {
	ID        string         `json:"id"`
	Embedding []float64      `json:"embedding"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
}

// VectorHit is one nearest-neighbour match.
type VectorHit struct {
	ID       string
	Text     string
	Metadata map[string]any
	// Score is cosine similarity in [-1, 1], higher is better.
	Score float64
	// Embedding is populated only when the query asked for it.
	Embedding []float64
}

// VectorQuery describes a nearest-neighbour lookup.
type VectorQuery struct {
	Embedding []float64
	TopK      int
	// Filter keeps only records whose metadata matches every entry.
	// A []any value means "metadata field in set".
	Filter map[string]any
	// IncludeEmbeddings asks the store to return stored vectors,
	// needed by diversity re-ranking.
	IncludeEmbeddings bool
}

// VectorStore is the vector-index surface the ingestion pipeline and
// retrieval engine depend on.
type VectorStore interface {
	Upsert(ctx context.Context, records []VectorRecord) error
	DeleteWhere(ctx context.Context, filter map[string]any) error
	Query(ctx context.Context, q VectorQuery) ([]VectorHit, error)
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched or zero-length inputs score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// matchesFilter reports whether a record's metadata satisfies the
// filter. Values of type []any are treated as membership tests.
func matchesFilter(meta map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := meta[key]
		if !ok {
			return false
		}
		if set, ok := want.([]any); ok {
			found := false
			for _, candidate := range set {
				if equalMetaValue(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !equalMetaValue(got, want) {
			return false
		}
	}
	return true
}

// equalMetaValue compares metadata values across the numeric types a
// JSON round trip can produce.
func equalMetaValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// MemoryVectorStore is an in-process VectorStore used in tests and as
// a fallback backend when no external index is configured.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	records map[string]VectorRecord
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{records: make(map[string]VectorRecord)}
}

func (s *MemoryVectorStore) Upsert(_ context.Context, records []VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *MemoryVectorStore) DeleteWhere(_ context.Context, filter map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if matchesFilter(r.Metadata, filter) {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryVectorStore) Query(_ context.Context, q VectorQuery) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]VectorHit, 0, len(s.records))
	for _, r := range s.records {
		if q.Filter != nil && !matchesFilter(r.Metadata, q.Filter) {
			continue
		}
		hit := VectorHit{
			ID:       r.ID,
			Text:     r.Text,
			Metadata: r.Metadata,
			Score:    CosineSimilarity(q.Embedding, r.Embedding),
		}
		if q.IncludeEmbeddings {
			hit.Embedding = r.Embedding
		}
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// Len returns the number of stored records.
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
