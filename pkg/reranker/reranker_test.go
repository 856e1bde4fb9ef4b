package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/httpclient"
)

func newTestClient(url string) *Client {
	return NewClient(&config.RerankerConfig{
		Enabled: true,
		BaseURL: url,
		APIKey:  "sk-test",
		Model:   "BAAI/bge-reranker-v2-m3",
	}, httpclient.WithRetryStrategy(func(int) httpclient.RetryStrategy {
		return httpclient.NoRetry
	}))
}

func TestBatchSize(t *testing.T) {
	assert.Equal(t, 5, BatchSize(ModeFast))
	assert.Equal(t, 10, BatchSize(ModeBalanced))
	assert.Equal(t, 20, BatchSize(ModeQuality))
	assert.Equal(t, 10, BatchSize(Mode("bogus")))
}

func TestFusionWeight(t *testing.T) {
	assert.Equal(t, 0.6, FusionWeight("technical"))
	assert.Equal(t, 0.7, FusionWeight("diagnostic"))
	assert.Equal(t, 0.5, FusionWeight("conversational"))
	assert.Equal(t, 0.65, FusionWeight("conceptual"))
	assert.Equal(t, 0.6, FusionWeight("procedural"))
}

func TestRerankSortsDescending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.ReturnDocuments)

		// Score each document by its batch position, reversed, so the
		// last document comes back first.
		results := make([]map[string]any, len(req.Documents))
		for i := range req.Documents {
			results[i] = map[string]any{
				"index":           i,
				"relevance_score": float64(i) / float64(len(req.Documents)),
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	results := c.Rerank(context.Background(), "query", []string{"a", "b", "c"}, ModeFast, 0)
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].OriginalIndex)
	assert.Equal(t, 1, results[1].OriginalIndex)
	assert.Equal(t, 0, results[2].OriginalIndex)
	assert.True(t, results[0].RelevanceScore >= results[1].RelevanceScore)
}

func TestRerankBatchesByMode(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Documents), 5)

		results := make([]map[string]any, len(req.Documents))
		for i := range req.Documents {
			results[i] = map[string]any{"index": i, "relevance_score": 0.9}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	docs := make([]string, 12)
	for i := range docs {
		docs[i] = "doc"
	}

	c := newTestClient(srv.URL)
	results := c.Rerank(context.Background(), "query", docs, ModeFast, 0)
	assert.Len(t, results, 12)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestRerankFailedBatchGetsNeutralScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	results := c.Rerank(context.Background(), "query", []string{"a", "b"}, ModeBalanced, 0)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 0.5, r.RelevanceScore)
	}
}

func TestRerankTopK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]map[string]any, len(req.Documents))
		for i := range req.Documents {
			results[i] = map[string]any{"index": i, "relevance_score": 1.0 - float64(i)*0.1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	results := c.Rerank(context.Background(), "query", []string{"a", "b", "c", "d"}, ModeBalanced, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].OriginalIndex)
	assert.Equal(t, 1, results[1].OriginalIndex)
}

func TestRerankEmptyDocuments(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	assert.Nil(t, c.Rerank(context.Background(), "query", nil, ModeBalanced, 0))
}
