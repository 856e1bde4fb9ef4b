// Package reranker scores (query, document) pairs with a remote
// cross-encoder and fuses the result into an existing ranking.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/httpclient"
)

// Mode selects the precision/latency trade-off. It controls how many
// documents go into each provider request.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeQuality  Mode = "quality"
)

// neutralScore is assigned to every document in a batch the provider
// failed to score. Partial failure degrades precision, never the response.
const neutralScore = 0.5

// BatchSize returns the per-request document count for a mode.
func BatchSize(mode Mode) int {
	switch mode {
	case ModeFast:
		return 5
	case ModeQuality:
		return 20
	default:
		return 10
	}
}

// FusionWeight returns the neural weight w for a query type. Callers
// combine scores as final = w*neural + (1-w)*original.
func FusionWeight(queryType string) float64 {
	switch queryType {
	case "technical":
		return 0.6
	case "diagnostic":
		return 0.7
	case "conversational":
		return 0.5
	case "conceptual":
		return 0.65
	default:
		return 0.6
	}
}

// Result ties a relevance score back to the caller's document order.
type Result struct {
	OriginalIndex  int     `json:"original_index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Client calls a /v1/rerank endpoint (SiliconFlow / Jina compatible).
type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func NewClient(cfg *config.RerankerConfig, opts ...httpclient.Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.siliconflow.cn/v1"
	}

	options := append([]httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(3),
	}, opts...)

	return &Client{
		http:    httpclient.New(options...),
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// Rerank scores documents against the query in mode-sized batches and
// returns results sorted by relevance, highest first. topK <= 0 returns
// all. Rerank never fails outright: an unscoreable batch contributes
// neutral scores instead.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, mode Mode, topK int) []Result {
	if len(documents) == 0 {
		return nil
	}

	batchSize := BatchSize(mode)
	results := make([]Result, 0, len(documents))

	for start := 0; start < len(documents); start += batchSize {
		end := start + batchSize
		if end > len(documents) {
			end = len(documents)
		}
		batch := documents[start:end]

		scores, err := c.rerankBatch(ctx, query, batch)
		if err != nil {
			slog.Warn("Rerank batch failed, assigning neutral scores",
				"component", "reranker",
				"batch_start", start,
				"batch_size", len(batch),
				"error", err)
			for i := range batch {
				results = append(results, Result{
					OriginalIndex:  start + i,
					RelevanceScore: neutralScore,
				})
			}
			continue
		}

		for i, score := range scores {
			results = append(results, Result{
				OriginalIndex:  start + i,
				RelevanceScore: score,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results
}

// rerankBatch scores one batch, returning scores aligned with the batch
// document order.
func (c *Client) rerankBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	reqBody, err := json.Marshal(rerankRequest{
		Model:           c.model,
		Query:           query,
		Documents:       documents,
		TopN:            len(documents),
		ReturnDocuments: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank provider returned %d", resp.StatusCode)
	}

	var response rerankResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}
	if len(response.Results) == 0 {
		return nil, fmt.Errorf("rerank provider returned no results")
	}

	scores := make([]float64, len(documents))
	for i := range scores {
		scores[i] = neutralScore
	}
	for _, r := range response.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}
