// Package embedder maps text to fixed-dimension float vectors through a
// remote OpenAI-compatible embeddings endpoint.
package embedder

import (
	"context"
)

// Provider is the embedding interface consumed by the store and the
// retrieval engine.
type Provider interface {
	// EmbedWithContext returns the embedding for text. It never returns
	// a silent zero vector: any provider failure surfaces as an error
	// with one of the fault kinds timeout, provider_4xx, provider_5xx
	// or schema.
	EmbedWithContext(ctx context.Context, text string) ([]float32, error)

	// Dimension is the configured vector dimension.
	Dimension() int

	// Probe issues one live request and returns the dimension the
	// provider actually produces. Startup refuses on mismatch.
	Probe(ctx context.Context) (int, error)

	Close() error
}
