package usecases

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

// SearchOptions constrain one search request.
type SearchOptions struct {
	// TopK is the maximum number of hits to return. Must be positive.
	TopK int

	// ConversationIDs restricts the search to the given conversations.
	ConversationIDs []string

	// MetaEquals restricts the search to conversations whose metadata
	// matches every given key = value constraint.
	MetaEquals []ports.MetaFilter
}

// SearchUseCase ranks stored turns by cosine similarity against a query
// vector. Filtering happens in the store before any vector is scored; every
// filtered candidate is scored, there is no pre-ranking cutoff.
type SearchUseCase struct {
	store    ports.ConversationStore
	embedder ports.EmbeddingService // nil disables text queries
}

// NewSearchUseCase creates the search use case with its dependencies.
func NewSearchUseCase(store ports.ConversationStore, embedder ports.EmbeddingService) *SearchUseCase {
	return &SearchUseCase{store: store, embedder: embedder}
}

// SearchByText embeds the query and delegates to SearchByVector.
func (uc *SearchUseCase) SearchByText(ctx context.Context, query string, opts SearchOptions) ([]entities.Hit, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if uc.embedder == nil {
		return nil, ports.ErrEmbedderUnavailable
	}

	vector, err := uc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return uc.SearchByVector(ctx, vector, opts)
}

// SearchByVector returns the TopK most similar stored turns. An empty or
// zero-norm query vector matches nothing.
func (uc *SearchUseCase) SearchByVector(ctx context.Context, vector []float32, opts SearchOptions) ([]entities.Hit, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if len(vector) == 0 || norm(vector) == 0 {
		return []entities.Hit{}, nil
	}

	candidates, err := uc.store.CandidateTurns(ctx, ports.TurnFilter{
		ConversationIDs:  opts.ConversationIDs,
		MetaEquals:       opts.MetaEquals,
		RequireEmbedding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("loading candidate turns: %w", err)
	}

	hits := make([]entities.Hit, 0, len(candidates))
	for i := range candidates {
		turn := &candidates[i]
		// Vectors from a different embedding model are not comparable.
		if len(turn.Embedding) != len(vector) {
			continue
		}
		score, ok := cosine(vector, turn.Embedding)
		if !ok {
			continue
		}
		hits = append(hits, entities.Hit{
			ConversationID: turn.ConversationID,
			TurnIndex:      turn.Index,
			Score:          score,
			UserText:       turn.UserText,
			AssistantText:  turn.AssistantText,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ConversationID != hits[j].ConversationID {
			return hits[i].ConversationID < hits[j].ConversationID
		}
		return hits[i].TurnIndex < hits[j].TurnIndex
	})

	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits, nil
}

func validateOptions(opts SearchOptions) error {
	if opts.TopK <= 0 {
		return ports.ErrInvalidTopK
	}
	for _, mf := range opts.MetaEquals {
		if err := ports.ValidateMetaKey(mf.Key); err != nil {
			return err
		}
	}
	return nil
}

// cosine computes cosine similarity with float64 accumulation. It reports
// false when either vector has zero norm.
func cosine(a, b []float32) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
