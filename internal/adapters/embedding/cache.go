package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

// CachedAdapter decorates an EmbeddingService with an in-process vector
// cache keyed by input text. Repeated syncs and repeated queries over the
// same text skip the model entirely.
type CachedAdapter struct {
	inner ports.EmbeddingService
	cache *ristretto.Cache
}

// NewCachedAdapter wraps inner with a cache holding up to maxBytes of
// vectors. Zero maxBytes uses a 64 MiB default.
func NewCachedAdapter(inner ports.EmbeddingService, maxBytes int64) (*CachedAdapter, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &CachedAdapter{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or asks the inner service.
func (a *CachedAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := a.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := a.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	a.cache.Set(text, vec, int64(4*len(vec)))
	return vec, nil
}

// EmbedBatch serves hits from the cache and forwards only the misses to the
// inner service as one batch.
func (a *CachedAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var missTexts []string
	var missIndex []int
	for i, text := range texts {
		if cached, ok := a.cache.Get(text); ok {
			if vec, ok := cached.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIndex = append(missIndex, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := a.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("inner embedder returned %d vectors for %d inputs", len(vectors), len(missTexts))
	}
	for i, vec := range vectors {
		out[missIndex[i]] = vec
		a.cache.Set(missTexts[i], vec, int64(4*len(vec)))
	}
	return out, nil
}

// Wait blocks until pending cache writes are applied. Mostly useful in tests.
func (a *CachedAdapter) Wait() {
	a.cache.Wait()
}

// Close releases the cache.
func (a *CachedAdapter) Close() {
	a.cache.Close()
}
