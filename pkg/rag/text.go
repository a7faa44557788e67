package rag

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
)

const (
	defaultTopK          = 5
	defaultLexicalWeight = 0.4
	defaultVectorWeight  = 0.6
	defaultVectorField   = "content_embedding"
)

// TextRetrieverConfig tunes the hybrid search.
type TextRetrieverConfig struct {
	Index         string
	VectorField   string
	LexicalWeight float64
	VectorWeight  float64
}

// TextRetriever combines a BM25 match and a dense-vector kNN over the
// regulation index. It never returns an error: any failure shrinks the
// result set instead.
type TextRetriever struct {
	embedder Embedder
	searcher Searcher
	cfg      TextRetrieverConfig
	logger   *slog.Logger
}

// NewTextRetriever wires the retriever. embedder may be nil; the retriever
// then runs lexical-only.
func NewTextRetriever(embedder Embedder, searcher Searcher, cfg TextRetrieverConfig, logger *slog.Logger) *TextRetriever {
	if cfg.VectorField == "" {
		cfg.VectorField = defaultVectorField
	}
	if cfg.LexicalWeight == 0 && cfg.VectorWeight == 0 {
		cfg.LexicalWeight = defaultLexicalWeight
		cfg.VectorWeight = defaultVectorWeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TextRetriever{embedder: embedder, searcher: searcher, cfg: cfg, logger: logger}
}

// Retrieve returns the top-K passages for question, score-sorted
// descending. topK <= 0 selects the default of 5.
func (r *TextRetriever) Retrieve(ctx context.Context, question string, topK int) []Knowledge {
	if topK <= 0 {
		topK = defaultTopK
	}
	fetchSize := topK * 3

	var vector []float32
	if r.embedder != nil {
		embedded, err := r.embedder.EmbedQuery(ctx, question)
		if err != nil {
			r.logger.Warn("question embedding failed, falling back to lexical only", "error", err)
		} else {
			vector = embedded
		}
	}

	var lexicalHits, vectorHits []clients.Hit
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := r.searcher.Search(gctx, r.cfg.Index,
			map[string]any{"match": map[string]any{"content": question}}, fetchSize)
		if err != nil {
			r.logger.Warn("lexical search failed", "error", err)
			return nil
		}
		lexicalHits = hits
		return nil
	})

	if vector != nil {
		g.Go(func() error {
			hits, err := r.searcher.KNN(gctx, r.cfg.Index, r.cfg.VectorField, vector, fetchSize)
			if err != nil {
				r.logger.Warn("vector search failed", "error", err)
				return nil
			}
			vectorHits = hits
			return nil
		})
	}

	// sub-queries swallow their own errors, so Wait cannot fail
	_ = g.Wait()

	fused := fuse(lexicalHits, vectorHits, r.cfg.LexicalWeight, r.cfg.VectorWeight)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

// fuse normalizes each hit set by its max score, combines by weighted sum
// and de-duplicates by document id.
func fuse(lexical, vector []clients.Hit, lexicalWeight, vectorWeight float64) []Knowledge {
	byID := make(map[string]*Knowledge)
	order := make([]string, 0, len(lexical)+len(vector))

	accumulate := func(hits []clients.Hit, weight float64) {
		maxScore := 0.0
		for _, hit := range hits {
			if hit.Score > maxScore {
				maxScore = hit.Score
			}
		}
		if maxScore == 0 {
			return
		}
		for _, hit := range hits {
			weighted := hit.Score / maxScore * weight
			if existing, ok := byID[hit.ID]; ok {
				existing.Score += weighted
				continue
			}
			k := hitToKnowledge(hit)
			k.Score = weighted
			byID[hit.ID] = &k
			order = append(order, hit.ID)
		}
	}

	accumulate(lexical, lexicalWeight)
	accumulate(vector, vectorWeight)

	results := make([]Knowledge, 0, len(order))
	for _, id := range order {
		results = append(results, *byID[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

func hitToKnowledge(hit clients.Hit) Knowledge {
	get := func(key string) string {
		if v, ok := hit.Source[key].(string); ok {
			return v
		}
		return ""
	}
	return Knowledge{
		ID:      hit.ID,
		Title:   get("title"),
		Content: get("content"),
		Source:  "text",
		Metadata: map[string]any{
			"source_standard":     get("source_standard"),
			"applicability_level": get("applicability_level"),
		},
	}
}
