package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/fault"
)

// SiliconFlowEmbedder implements Provider against the SiliconFlow
// embeddings API (OpenAI-compatible request/response shapes).
type SiliconFlowEmbedder struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	model      string
	dimension  int
	maxRetries int
}

// EmbedRequest is the request payload for /v1/embeddings.
type EmbedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

// EmbedResponse is the response from /v1/embeddings.
type EmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// ErrorResponse is an error payload from the provider.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewSiliconFlowEmbedder(cfg *config.EmbedderConfig) (*SiliconFlowEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.ConfigMissing, "embedder",
			"API key is required (set SILICONFLOW_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fault.New(fault.ConfigMissing, "embedder", "model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fault.New(fault.ConfigMissing, "embedder", "dimension must be positive")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.siliconflow.cn/v1"
	}

	return &SiliconFlowEmbedder{
		client:     &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: maxRetries,
	}, nil
}

// EmbedWithContext embeds one text with bounded retries and exponential
// backoff starting at 1 s.
func (e *SiliconFlowEmbedder) EmbedWithContext(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(EmbedRequest{
		Model:          e.model,
		Input:          []string{text},
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fault.Wrap(fault.ProviderSchema, "embedder", err)
	}

	// The text is hashed for request correlation only.
	correlationID := requestHash(text)

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			slog.Debug("Retrying embedding request",
				"component", "embedder",
				"correlation_id", correlationID,
				"attempt", attempt+1,
				"backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, fault.Wrap(fault.Cancelled, "embedder", ctx.Err())
			case <-time.After(backoff):
			}
		}

		vector, err := e.embedOnce(ctx, reqBody)
		if err == nil {
			return vector, nil
		}
		lastErr = err

		if !fault.Retryable(err) {
			return nil, err
		}
	}

	slog.Warn("Embedding request failed after retries",
		"component", "embedder",
		"correlation_id", correlationID,
		"kind", string(fault.KindOf(lastErr)))
	return nil, lastErr
}

func (e *SiliconFlowEmbedder) embedOnce(ctx context.Context, reqBody []byte) ([]float32, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fault.Wrap(fault.ProviderSchema, "embedder", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fault.Wrap(fault.Cancelled, "embedder", err)
		}
		// Client-side timeouts surface as url.Error with Timeout() true.
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fault.Wrap(fault.ProviderTimeout, "embedder", err)
		}
		return nil, fault.Wrap(fault.Provider5xx, "embedder", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderSchema, "embedder", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := fault.Provider5xx
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = fault.Provider4xx
			if resp.StatusCode == http.StatusRequestTimeout {
				kind = fault.ProviderTimeout
			}
		}

		var errorResp ErrorResponse
		if jsonErr := json.Unmarshal(body, &errorResp); jsonErr == nil && errorResp.Error.Message != "" {
			return nil, fault.Newf(kind, "embedder", "provider returned %d: %s",
				resp.StatusCode, errorResp.Error.Message)
		}
		return nil, fault.Newf(kind, "embedder", "provider returned %d", resp.StatusCode)
	}

	var response EmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fault.Wrap(fault.ProviderSchema, "embedder", err)
	}

	if len(response.Data) == 0 || len(response.Data[0].Embedding) == 0 {
		return nil, fault.New(fault.ProviderSchema, "embedder", "provider returned no embedding")
	}

	return response.Data[0].Embedding, nil
}

// Dimension returns the configured vector dimension.
func (e *SiliconFlowEmbedder) Dimension() int {
	return e.dimension
}

// Probe embeds a short fixed string and returns the dimension the
// provider actually produced.
func (e *SiliconFlowEmbedder) Probe(ctx context.Context) (int, error) {
	vector, err := e.EmbedWithContext(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("embedding probe failed: %w", err)
	}
	return len(vector), nil
}

func (e *SiliconFlowEmbedder) Close() error {
	return nil
}

func requestHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:6])
}

var _ Provider = (*SiliconFlowEmbedder)(nil)
