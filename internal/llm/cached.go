package llm

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/pkg/logger"
	"github.com/vet-kb/backend/pkg/utils"
)

// EmbeddingCache stores vectors by key. The Redis client implements it.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder serves repeated texts from a cache so the same text always
// yields the same vector. Cache failures fall through to the inner embedder.
type CachedEmbedder struct {
	inner     Embedder
	cache     EmbeddingCache
	namespace string
	ttl       time.Duration
}

// NewCachedEmbedder wraps inner. namespace should identify the embedding
// model so vectors of different models never mix.
func NewCachedEmbedder(inner Embedder, cache EmbeddingCache, namespace string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, namespace: namespace, ttl: ttl}
}

func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) key(text string) string {
	return utils.StableID(c.namespace, strconv.Itoa(c.inner.Dimension()), text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		v, ok, err := c.cache.GetEmbedding(ctx, c.key(t))
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok && len(v) == c.inner.Dimension() {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = v
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range fresh {
		out[missingIdx[j]] = v
		if err := c.cache.SetEmbedding(ctx, c.key(missing[j]), v, c.ttl); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
