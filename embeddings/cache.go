package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fabfab/thesis-rag/logging"
)

// RedisCache stores embeddings keyed by model and text hash.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "thesis-rag:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) key(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%sembedding:%s:%s", c.prefix, model, hex.EncodeToString(sum[:]))
}

// GetMany returns one entry per text; misses are nil.
func (c *RedisCache) GetMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.key(model, text)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read embeddings from redis: %w", err)
	}

	out := make([][]float32, len(texts))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (c *RedisCache) SetMany(ctx context.Context, model string, texts []string, vectors [][]float32) error {
	pipe := c.client.Pipeline()
	for i, text := range texts {
		data, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		pipe.Set(ctx, c.key(model, text), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write embeddings to redis: %w", err)
	}
	return nil
}

// CachedEmbedder serves repeated texts from Redis and sends only misses upstream.
// Cache failures are logged and never fail the call.
type CachedEmbedder struct {
	next   Embedder
	cache  *RedisCache
	model  string
	logger logging.Logger
}

func NewCachedEmbedder(next Embedder, cache *RedisCache, model string, logger logging.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		next:   next,
		cache:  cache,
		model:  model,
		logger: logging.OrDiscard(logger),
	}
}

func (e *CachedEmbedder) SupportsNativeEmbeddings() bool {
	if c, ok := e.next.(NativeCapability); ok {
		return c.SupportsNativeEmbeddings()
	}
	return true
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cached, err := e.cache.GetMany(ctx, e.model, texts)
	if err != nil {
		e.logger.Warn("embedding cache lookup failed: %v", err)
		cached = make([][]float32, len(texts))
	}

	var (
		missTexts []string
		missIdx   []int
	)
	for i, vec := range cached {
		if vec == nil {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
		}
	}
	if len(missTexts) == 0 {
		return cached, nil
	}

	fresh, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missTexts))
	}
	for j, i := range missIdx {
		cached[i] = fresh[j]
	}

	if err := e.cache.SetMany(ctx, e.model, missTexts, fresh); err != nil {
		e.logger.Warn("embedding cache write failed: %v", err)
	}
	e.logger.Debug("embedding cache: %d hits, %d misses", len(texts)-len(missTexts), len(missTexts))
	return cached, nil
}
