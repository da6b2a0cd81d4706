package rag

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/store"
	"github.com/BaSui01/docbase/types"
)

// QueryEmbedder embeds query text with the active embedding model.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// RetrievedPassage is one retrieval hit, best-first. Score is nil when
// the active strategy produces no native similarity score (mmr).
type RetrievedPassage struct {
	PassageID      uint     `json:"passage_id"`
	DocumentID     uint     `json:"document_id"`
	Filename       string   `json:"filename"`
	Text           string   `json:"text"`
	SectionHeading *string  `json:"section_heading,omitempty"`
	PageNumber     *int     `json:"page_number,omitempty"`
	Score          *float64 `json:"score"`
}

// Retriever runs the configured retrieval strategy over the vector
// index and resolves each hit against the relational store.
type Retriever struct {
	embedder QueryEmbedder
	vectors  VectorStore
	docs     *store.Store
	logger   *zap.Logger
}

func NewRetriever(embedder QueryEmbedder, vectors VectorStore, docs *store.Store, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		docs:     docs,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve returns up to k passages for the query. documentIDs, when
// non-empty, restricts the search to those documents. The strategy and
// its parameters come from the runtime settings snapshot; an
// unrecognized strategy degrades to plain similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, documentIDs []uint, settings config.RetrievalSettings) ([]RetrievedPassage, error) {
	if k <= 0 {
		k = settings.TopK
	}
	if k <= 0 {
		return []RetrievedPassage{}, nil
	}

	embedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed, "Failed to embed query").WithCause(err)
	}

	filter := documentFilter(documentIDs)

	var hits []VectorHit
	var scoreless bool
	switch settings.RetrievalStrategy {
	case config.StrategyScoreThreshold:
		hits, err = r.thresholdSearch(ctx, embedding, k, filter, settings)
	case config.StrategyMMR:
		hits, err = r.mmrSearch(ctx, embedding, k, filter, settings)
		scoreless = true
	case config.StrategySimilarity:
		hits, err = r.similaritySearch(ctx, embedding, k, filter)
	default:
		r.logger.Warn("unrecognized retrieval strategy, using similarity",
			zap.String("strategy", settings.RetrievalStrategy))
		hits, err = r.similaritySearch(ctx, embedding, k, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return r.resolve(ctx, hits, scoreless), nil
}

func documentFilter(documentIDs []uint) map[string]any {
	if len(documentIDs) == 0 {
		return nil
	}
	ids := make([]any, 0, len(documentIDs))
	for _, id := range documentIDs {
		ids = append(ids, int(id))
	}
	return map[string]any{"document_id": ids}
}

func (r *Retriever) similaritySearch(ctx context.Context, embedding []float64, k int, filter map[string]any) ([]VectorHit, error) {
	return r.vectors.Query(ctx, VectorQuery{Embedding: embedding, TopK: k, Filter: filter})
}

// thresholdSearch oversamples 2k candidates, keeps those at or above
// the threshold, and truncates to k. Fewer than k survivors are
// returned as-is, never padded.
func (r *Retriever) thresholdSearch(ctx context.Context, embedding []float64, k int, filter map[string]any, settings config.RetrievalSettings) ([]VectorHit, error) {
	threshold := 0.0
	if settings.ScoreThreshold != nil {
		threshold = *settings.ScoreThreshold
	}

	hits, err := r.vectors.Query(ctx, VectorQuery{Embedding: embedding, TopK: 2 * k, Filter: filter})
	if err != nil {
		return nil, err
	}

	kept := make([]VectorHit, 0, k)
	for _, h := range hits {
		if h.Score >= threshold {
			kept = append(kept, h)
		}
		if len(kept) == k {
			break
		}
	}
	return kept, nil
}

// mmrSearch fetches fetch_k candidates with their stored vectors and
// greedily selects the k that balance query relevance against
// diversity from the already-selected set, weighted by lambda.
func (r *Retriever) mmrSearch(ctx context.Context, embedding []float64, k int, filter map[string]any, settings config.RetrievalSettings) ([]VectorHit, error) {
	fetchK := 20
	if settings.FetchK != nil && *settings.FetchK > 0 {
		fetchK = *settings.FetchK
	}
	if fetchK < k {
		fetchK = k
	}
	lambda := 0.5
	if settings.LambdaMult != nil {
		lambda = *settings.LambdaMult
	}

	candidates, err := r.vectors.Query(ctx, VectorQuery{
		Embedding:         embedding,
		TopK:              fetchK,
		Filter:            filter,
		IncludeEmbeddings: true,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) <= 1 || k <= 1 {
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		return candidates, nil
	}

	relevance := make([]float64, len(candidates))
	for i, c := range candidates {
		if len(c.Embedding) > 0 {
			relevance[i] = CosineSimilarity(embedding, c.Embedding)
		} else {
			relevance[i] = c.Score
		}
	}

	selected := make([]int, 0, k)
	remaining := make([]bool, len(candidates))
	for i := range remaining {
		remaining[i] = true
	}

	for len(selected) < k && len(selected) < len(candidates) {
		bestIdx := -1
		bestScore := 0.0
		// 按相关性排名顺序遍历，平分时取排名更高的候选
		for i := range candidates {
			if !remaining[i] {
				continue
			}
			maxSim := 0.0
			for _, s := range selected {
				sim := CosineSimilarity(candidates[i].Embedding, candidates[s].Embedding)
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance[i] - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, bestIdx)
		remaining[bestIdx] = false
	}

	// selection order is the ranking order
	out := make([]VectorHit, 0, len(selected))
	for _, i := range selected {
		out = append(out, candidates[i])
	}
	return out, nil
}

// resolve turns vector hits into RetrievedPassages, attaching each
// owning document's display name. A hit whose document no longer
// exists is passed through with an empty name so callers can surface
// the index inconsistency instead of silently losing the hit.
func (r *Retriever) resolve(ctx context.Context, hits []VectorHit, scoreless bool) []RetrievedPassage {
	names := make(map[uint]string)

	out := make([]RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		p := RetrievedPassage{Text: h.Text}
		if !scoreless {
			score := h.Score
			p.Score = &score
		}

		if v, ok := toFloat(h.Metadata["passage_id"]); ok {
			p.PassageID = uint(v)
		}
		if v, ok := toFloat(h.Metadata["document_id"]); ok {
			p.DocumentID = uint(v)
		}
		if v, ok := h.Metadata["section_heading"].(string); ok && v != "" {
			heading := v
			p.SectionHeading = &heading
		}
		if v, ok := toFloat(h.Metadata["page_number"]); ok {
			page := int(v)
			p.PageNumber = &page
		}

		if p.DocumentID != 0 {
			name, cached := names[p.DocumentID]
			if !cached {
				doc, err := r.docs.GetDocument(ctx, p.DocumentID)
				switch {
				case err == nil:
					name = doc.Filename
				case errors.Is(err, store.ErrDocumentNotFound):
					r.logger.Warn("vector hit references missing document",
						zap.Uint("document_id", p.DocumentID),
						zap.String("vector_id", h.ID))
				default:
					r.logger.Warn("document lookup failed",
						zap.Uint("document_id", p.DocumentID),
						zap.Error(err))
				}
				names[p.DocumentID] = name
			}
			p.Filename = name
		}
		out = append(out, p)
	}
	return out
}
