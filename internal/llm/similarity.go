package llm

import (
	"context"
	"math"
	"sync"

	"github.com/golang/groupcache/lru"
)

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value between -1.0 and 1.0. Returns 0.0 if either vector has zero magnitude
// or the vectors have different lengths.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// normalize performs in-place L2 normalization of a float32 vector.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// CachingEmbedder memoizes another Embedder by exact text, evicting the
// least recently used vector once limit entries are held.
type CachingEmbedder struct {
	next Embedder

	mu    sync.Mutex
	cache *lru.Cache
}

// NewCachingEmbedder wraps next. A non-positive limit means 4096 entries.
func NewCachingEmbedder(next Embedder, limit int) *CachingEmbedder {
	if limit <= 0 {
		limit = 4096
	}
	return &CachingEmbedder{next: next, cache: lru.New(limit)}
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(text); ok {
		c.mu.Unlock()
		return v.([]float32), nil
	}
	c.mu.Unlock()

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(text, v)
	c.mu.Unlock()
	return v, nil
}
