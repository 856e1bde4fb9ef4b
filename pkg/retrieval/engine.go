// Package retrieval drives the query pipeline: semantic base retrieval,
// hybrid rescoring, optional neural rerank, diversity filtering and
// caching.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sagemem/sage/pkg/analysis"
	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/reranker"
	"github.com/sagemem/sage/pkg/scoring"
)

// Result is one ranked candidate returned to the caller.
type Result struct {
	Content       string         `json:"content"`
	Role          string         `json:"role"`
	SessionID     string         `json:"session_id"`
	TurnIndex     int            `json:"turn_index"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Similarity    float64        `json:"similarity"`
	TemporalScore float64        `json:"temporal_score"`
	ContextScore  float64        `json:"context_score"`
	FinalScore    float64        `json:"final_score"`
	Reasoning     string         `json:"reasoning"`

	contentHash string
}

// Searcher is the storage dependency.
type Searcher interface {
	SearchVector(ctx context.Context, queryEmbedding []float32, limit int) ([]memory.StoredMemory, error)
}

// QueryEmbedder embeds the query text.
type QueryEmbedder interface {
	EmbedWithContext(ctx context.Context, text string) ([]float32, error)
}

// Reranker is the optional neural second pass.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, mode reranker.Mode, topK int) []reranker.Result
}

// Options tunes one retrieve call.
type Options struct {
	MaxResults         int
	Strategy           string
	EnableNeuralRerank bool
	SessionHistory     []string
}

// Engine executes the retrieval pipeline.
type Engine struct {
	searcher Searcher
	embedder QueryEmbedder
	reranker Reranker

	cfg   config.RetrievalConfig
	cache *resultCache
	now   func() time.Time
}

func NewEngine(searcher Searcher, embedder QueryEmbedder, rr Reranker, cfg config.RetrievalConfig) *Engine {
	return &Engine{
		searcher: searcher,
		embedder: embedder,
		reranker: rr,
		cfg:      cfg,
		cache:    newResultCache(cfg.CacheSize, cfg.CacheTTL),
		now:      time.Now,
	}
}

// Retrieve runs the full pipeline for one query.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.Count
	}

	key := cacheKey(query, opts.Strategy, maxResults, opts.EnableNeuralRerank)
	if cached, ok := e.cache.get(key); ok {
		slog.Debug("Retrieval cache hit", "component", "retrieval", "max_results", maxResults)
		return cached, nil
	}

	qc := analysis.Analyze(query, opts.SessionHistory)

	candidateLimit := maxResults * 2
	if opts.EnableNeuralRerank {
		candidateLimit = maxResults * 3
	}

	queryEmbedding, err := e.embedder.EmbedWithContext(ctx, query)
	if err != nil {
		return nil, err
	}

	memories, err := e.searcher.SearchVector(ctx, queryEmbedding, candidateLimit)
	if err != nil {
		return nil, err
	}

	results := e.rescore(memories, qc, opts.SessionHistory)

	if opts.EnableNeuralRerank && len(results) > 3 {
		results = e.neuralRerank(ctx, query, qc.QueryType, results)
	}

	results = diversityFilter(results, maxResults, e.cfg.DiversityLambda)

	e.cache.put(key, results)
	return results, nil
}

// rescore applies the similarity threshold and the temporal + hybrid
// scorers, then sorts by final score with the documented tie-breakers.
func (e *Engine) rescore(memories []memory.StoredMemory, qc *analysis.QueryContext, history []string) []Result {
	now := e.now()
	results := make([]Result, 0, len(memories))

	for i := range memories {
		m := &memories[i]
		if m.Similarity < e.cfg.SimilarityThreshold {
			continue
		}
		if e.cfg.MaxAgeDays > 0 && now.Sub(m.CreatedAt) > time.Duration(e.cfg.MaxAgeDays)*24*time.Hour {
			continue
		}

		temporal := scoring.TemporalScoreWithUrgency(m.CreatedAt, now, e.cfg.TimeDecay, qc.UrgencyLevel)
		temporal = clamp01(temporal + scoring.SessionRelevanceBonus(m.SessionID, history, m.Content, qc.Keywords))

		scored := scoring.Score(scoring.Candidate{
			Content:       m.Content,
			Role:          m.Role,
			SessionID:     m.SessionID,
			Similarity:    m.Similarity,
			TemporalScore: temporal,
		}, qc, history)

		results = append(results, Result{
			Content:       m.Content,
			Role:          m.Role,
			SessionID:     m.SessionID,
			TurnIndex:     m.TurnIndex,
			CreatedAt:     m.CreatedAt,
			Metadata:      m.Metadata,
			Similarity:    m.Similarity,
			TemporalScore: temporal,
			ContextScore:  scored.Context,
			FinalScore:    scored.Final,
			Reasoning:     scored.Reasoning,
			contentHash:   m.ContentHash(),
		})
	}

	sortResults(results)
	return results
}

// sortResults orders by final score descending, ties broken by temporal
// score then by stable content hash.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		if results[i].TemporalScore != results[j].TemporalScore {
			return results[i].TemporalScore > results[j].TemporalScore
		}
		return results[i].contentHash < results[j].contentHash
	})
}

// neuralRerank fuses cross-encoder relevance into the final scores. The
// reranker degrades internally; this path never fails the retrieval.
func (e *Engine) neuralRerank(ctx context.Context, query, queryType string, results []Result) []Result {
	if e.reranker == nil {
		return results
	}

	documents := make([]string, len(results))
	for i := range results {
		documents[i] = results[i].Content
	}

	reranked := e.reranker.Rerank(ctx, query, documents, reranker.ModeBalanced, 0)
	w := reranker.FusionWeight(queryType)
	for _, r := range reranked {
		if r.OriginalIndex < 0 || r.OriginalIndex >= len(results) {
			continue
		}
		result := &results[r.OriginalIndex]
		result.FinalScore = clamp01(w*r.RelevanceScore + (1-w)*result.FinalScore)
	}

	sortResults(results)
	return results
}

// diversityFilter greedily selects up to max results, trading relevance
// against word-level novelty: (1-λ)*score + λ*(1 − Jaccard overlap).
func diversityFilter(results []Result, max int, lambda float64) []Result {
	if len(results) <= max {
		return results
	}
	if lambda <= 0 {
		return results[:max]
	}

	selected := make([]Result, 0, max)
	remaining := make([]Result, len(results))
	copy(remaining, results)

	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(selected) < max && len(remaining) > 0 {
		bestIdx := 0
		bestValue := -1.0
		for i, candidate := range remaining {
			diversity := 1.0
			for _, chosen := range selected {
				overlap := jaccard(candidate.Content, chosen.Content)
				if 1-overlap < diversity {
					diversity = 1 - overlap
				}
			}
			value := (1-lambda)*candidate.FinalScore + lambda*diversity
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// jaccard is word-level set overlap in [0,1].
func jaccard(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for word := range wordsA {
		if wordsB[word] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(s)) {
		set[word] = true
	}
	return set
}

// CacheStats reports the cache entry count and the lookup hit ratio.
func (e *Engine) CacheStats() (size int, hitRatio float64) {
	return e.cache.stats()
}

// InvalidateSession drops cached entries that surfaced the session.
// Called after a save; best effort.
func (e *Engine) InvalidateSession(sessionID string) {
	if dropped := e.cache.invalidateSession(sessionID); dropped > 0 {
		slog.Debug("Invalidated cached retrievals",
			"component", "retrieval", "session_id", sessionID, "entries", dropped)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
