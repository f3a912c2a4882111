package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/thesis-rag/thesis"
	"github.com/fabfab/thesis-rag/vectormath"
)

// Gateway turns text into unit-length vectors of a fixed dimension. Every upstream
// failure, timeouts included, is reported as thesis.ErrEmbeddingService.
type Gateway struct {
	embedder  Embedder
	dimension int
	timeout   time.Duration
}

func NewGateway(embedder Embedder, dimension int, timeout time.Duration) *Gateway {
	return &Gateway{
		embedder:  embedder,
		dimension: dimension,
		timeout:   timeout,
	}
}

func (g *Gateway) Dimension() int {
	return g.dimension
}

// SupportsNativeEmbeddings reports whether the configured provider calls a real
// embedding model. Embedders that do not say otherwise are assumed native.
func (g *Gateway) SupportsNativeEmbeddings() bool {
	if c, ok := g.embedder.(NativeCapability); ok {
		return c.SupportsNativeEmbeddings()
	}
	return true
}

func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", thesis.ErrInvalidInput, i)
		}
	}
	if g.embedder == nil {
		return nil, fmt.Errorf("%w: embedder is not configured", thesis.ErrEmbeddingService)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vectors, err := g.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", thesis.ErrEmbeddingService, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", thesis.ErrEmbeddingService, len(vectors), len(texts))
	}

	out := make([][]float32, len(vectors))
	for i, vec := range vectors {
		if g.dimension > 0 && len(vec) != g.dimension {
			return nil, fmt.Errorf("%w: %w: expected %d, got %d", thesis.ErrEmbeddingService, vectormath.ErrDimensionMismatch, g.dimension, len(vec))
		}
		out[i] = vectormath.Normalize(vec)
	}
	return out, nil
}
