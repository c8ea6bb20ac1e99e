package embedding

import (
	"context"
	"hash/fnv"
)

// MockAdapter generates deterministic pseudo-random unit vectors from the
// input text. Useful for tests and for trying the pipeline without a model:
// identical texts always map to identical vectors.
type MockAdapter struct {
	dimensions int
}

// NewMockAdapter creates a mock embedder with the given dimensionality.
func NewMockAdapter(dimensions int) *MockAdapter {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockAdapter{dimensions: dimensions}
}

// Embed derives a unit vector from an FNV hash of the text.
func (a *MockAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, a.dimensions)
	for i := range vec {
		// Linear congruential step, mapped into [-1, 1).
		state = state*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(state>>11))/float32(1<<52) - 1
	}
	return unitNormalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (a *MockAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := a.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding vector size.
func (a *MockAdapter) Dimensions() int {
	return a.dimensions
}
