package retrieval

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/reranker"
)

type fakeSearcher struct {
	memories []memory.StoredMemory
	calls    int
	lastN    int
}

func (f *fakeSearcher) SearchVector(ctx context.Context, embedding []float32, limit int) ([]memory.StoredMemory, error) {
	f.calls++
	f.lastN = limit
	if limit > len(f.memories) {
		limit = len(f.memories)
	}
	return f.memories[:limit], nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedWithContext(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type fakeReranker struct {
	results []reranker.Result
	calls   int
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, documents []string, mode reranker.Mode, topK int) []reranker.Result {
	f.calls++
	return f.results
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		Count:               10,
		SimilarityThreshold: 0.3,
		MaxContextTokens:    2000,
		CacheTTL:            time.Minute,
		CacheSize:           16,
		DiversityLambda:     0.7,
		MaxAgeDays:          365,
	}
}

func makeMemories(similarities ...float64) []memory.StoredMemory {
	now := time.Now()
	memories := make([]memory.StoredMemory, len(similarities))
	for i, sim := range similarities {
		memories[i] = memory.StoredMemory{
			SessionID:  "s1",
			TurnIndex:  i,
			Role:       "assistant",
			Content:    fmt.Sprintf("distinct topic number %d with unique words %d%d", i, i*7, i*13),
			Similarity: sim,
			CreatedAt:  now.Add(-time.Duration(i+48) * time.Hour),
		}
	}
	return memories
}

func TestRetrieveOrdersByFinalScore(t *testing.T) {
	searcher := &fakeSearcher{memories: makeMemories(0.9, 0.7, 0.5)}
	engine := NewEngine(searcher, fakeEmbedder{}, nil, testConfig())

	results, err := engine.Retrieve(context.Background(), "how is the cache indexed", Options{MaxResults: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].FinalScore, results[i].FinalScore)
	}
	assert.NotEmpty(t, results[0].Reasoning)
}

func TestRetrieveAppliesSimilarityThreshold(t *testing.T) {
	searcher := &fakeSearcher{memories: makeMemories(0.9, 0.2, 0.1)}
	engine := NewEngine(searcher, fakeEmbedder{}, nil, testConfig())

	results, err := engine.Retrieve(context.Background(), "query", Options{MaxResults: 5})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrieveCandidateMultiplier(t *testing.T) {
	searcher := &fakeSearcher{memories: makeMemories(0.9, 0.8)}
	engine := NewEngine(searcher, fakeEmbedder{}, nil, testConfig())

	_, err := engine.Retrieve(context.Background(), "q", Options{MaxResults: 5})
	require.NoError(t, err)
	assert.Equal(t, 10, searcher.lastN)

	rr := &fakeReranker{}
	engine = NewEngine(searcher, fakeEmbedder{}, rr, testConfig())
	_, err = engine.Retrieve(context.Background(), "q", Options{MaxResults: 5, EnableNeuralRerank: true})
	require.NoError(t, err)
	assert.Equal(t, 15, searcher.lastN)
}

func TestRetrieveCachesResults(t *testing.T) {
	searcher := &fakeSearcher{memories: makeMemories(0.9)}
	engine := NewEngine(searcher, fakeEmbedder{}, nil, testConfig())

	_, err := engine.Retrieve(context.Background(), "q", Options{MaxResults: 3})
	require.NoError(t, err)
	_, err = engine.Retrieve(context.Background(), "q", Options{MaxResults: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.calls)

	// A different request shape misses.
	_, err = engine.Retrieve(context.Background(), "q", Options{MaxResults: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)
}

func TestRetrieveUsesConfiguredTimeDecay(t *testing.T) {
	now := time.Now()
	mem := memory.StoredMemory{
		SessionID:  "s1",
		Role:       "assistant",
		Content:    "two day old reminder",
		Similarity: 0.9,
		CreatedAt:  now.Add(-48 * time.Hour),
	}

	cfg := testConfig()
	cfg.TimeDecay = 0.5
	engine := NewEngine(&fakeSearcher{memories: []memory.StoredMemory{mem}}, fakeEmbedder{}, nil, cfg)
	engine.now = func() time.Time { return now }

	results, err := engine.Retrieve(context.Background(), "database", Options{MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, math.Pow(0.5, 2), results[0].TemporalScore, 1e-9)
}

func TestInvalidateSessionDropsCachedEntries(t *testing.T) {
	searcher := &fakeSearcher{memories: makeMemories(0.9)}
	engine := NewEngine(searcher, fakeEmbedder{}, nil, testConfig())

	_, err := engine.Retrieve(context.Background(), "q", Options{MaxResults: 3})
	require.NoError(t, err)

	engine.InvalidateSession("s1")

	_, err = engine.Retrieve(context.Background(), "q", Options{MaxResults: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)
}

func TestNeuralRerankFusion(t *testing.T) {
	// Ten candidates so the rerank path (count > 3) engages.
	searcher := &fakeSearcher{memories: makeMemories(0.95, 0.9, 0.85, 0.8, 0.75, 0.7, 0.65, 0.6, 0.55, 0.5)}

	// The reranker strongly prefers the second candidate.
	rr := &fakeReranker{}
	rr.results = append(rr.results, reranker.Result{OriginalIndex: 1, RelevanceScore: 0.99})
	for i := 0; i < 10; i++ {
		if i != 1 {
			rr.results = append(rr.results, reranker.Result{OriginalIndex: i, RelevanceScore: 0.1})
		}
	}

	engine := NewEngine(searcher, fakeEmbedder{}, rr, testConfig())
	results, err := engine.Retrieve(context.Background(), "query", Options{
		MaxResults: 3, EnableNeuralRerank: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 1, rr.calls)
	assert.Equal(t, 1, results[0].TurnIndex)
}

func TestRerankerOutageStillRanks(t *testing.T) {
	// An all-neutral rerank (what a failed batch produces) must leave a
	// valid ranked list.
	searcher := &fakeSearcher{memories: makeMemories(0.9, 0.8, 0.7, 0.6, 0.5)}
	rr := &fakeReranker{}
	for i := 0; i < 5; i++ {
		rr.results = append(rr.results, reranker.Result{OriginalIndex: i, RelevanceScore: 0.5})
	}

	engine := NewEngine(searcher, fakeEmbedder{}, rr, testConfig())
	results, err := engine.Retrieve(context.Background(), "query", Options{
		MaxResults: 3, EnableNeuralRerank: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].FinalScore, results[i].FinalScore)
	}
}

func TestDiversityFilterPrefersNovelContent(t *testing.T) {
	results := []Result{
		{Content: "postgres vacuum reclaims dead tuples", FinalScore: 0.9},
		{Content: "postgres vacuum reclaims dead tuples quickly", FinalScore: 0.89},
		{Content: "the reranker batches documents by mode", FinalScore: 0.5},
	}

	filtered := diversityFilter(results, 2, 0.7)
	require.Len(t, filtered, 2)
	assert.Equal(t, results[0].Content, filtered[0].Content)
	assert.Equal(t, results[2].Content, filtered[1].Content)
}

func TestDiversityFilterSmallInputUntouched(t *testing.T) {
	results := []Result{{Content: "a", FinalScore: 0.9}}
	assert.Len(t, diversityFilter(results, 5, 0.7), 1)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard("a b c", "c b a"))
	assert.Equal(t, 0.0, jaccard("a b", "c d"))
	assert.InDelta(t, 1.0/3.0, jaccard("a b", "b c"), 1e-9)
	assert.Zero(t, jaccard("", "a"))
}

func TestCacheLRUEviction(t *testing.T) {
	cache := newResultCache(2, time.Minute)
	cache.put(1, []Result{{Content: "one"}})
	cache.put(2, []Result{{Content: "two"}})
	cache.put(3, []Result{{Content: "three"}})

	assert.Equal(t, 2, cache.len())
	_, ok := cache.get(1)
	assert.False(t, ok)
	_, ok = cache.get(3)
	assert.True(t, ok)
}

func TestCacheStats(t *testing.T) {
	cache := newResultCache(4, time.Minute)
	cache.put(1, []Result{{Content: "one"}})

	_, ok := cache.get(1)
	assert.True(t, ok)
	_, ok = cache.get(2)
	assert.False(t, ok)

	size, hitRatio := cache.stats()
	assert.Equal(t, 1, size)
	assert.Equal(t, 0.5, hitRatio)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := newResultCache(4, 10*time.Millisecond)
	cache.put(1, []Result{{Content: "one"}})
	time.Sleep(20 * time.Millisecond)
	_, ok := cache.get(1)
	assert.False(t, ok)
}

func TestFormatContextRespectsBudget(t *testing.T) {
	results := []Result{
		{Role: "user", FinalScore: 0.9, Content: "first result"},
		{Role: "assistant", FinalScore: 0.8, Content: "second result"},
	}

	full := FormatContext(results, 2000)
	assert.Contains(t, full, "first result")
	assert.Contains(t, full, "second result")

	tight := FormatContext(results, 25)
	assert.Contains(t, tight, "first result")
	assert.NotContains(t, tight, "second result")

	assert.Empty(t, FormatContext(nil, 2000))
}
