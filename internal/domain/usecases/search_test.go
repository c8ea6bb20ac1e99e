package usecases

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

func seededStore() *fakeStore {
	store := newFakeStore()
	store.turns["conv-a"] = []entities.Turn{
		{Index: 0, UserText: "about cats", Embedding: []float32{1, 0, 0}},
		{Index: 1, UserText: "about dogs", Embedding: []float32{0, 1, 0}},
		{Index: 2, UserText: "no vector yet"},
	}
	store.turns["conv-b"] = []entities.Turn{
		{Index: 0, UserText: "mixed", Embedding: []float32{0.7, 0.7, 0}},
	}
	return store
}

func TestSearchByVectorRanksBySimilarity(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	hits, err := uc.SearchByVector(context.Background(), []float32{1, 0, 0}, SearchOptions{TopK: 10})
	if err != nil {
		t.Fatalf("SearchByVector failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Expected 3 hits, got %d", len(hits))
	}
	if hits[0].ConversationID != "conv-a" || hits[0].TurnIndex != 0 {
		t.Errorf("Unexpected best hit: %+v", hits[0])
	}
	if math.Abs(hits[0].Score-1.0) > 1e-9 {
		t.Errorf("Expected perfect score for identical vector, got %f", hits[0].Score)
	}
	if hits[1].ConversationID != "conv-b" {
		t.Errorf("Unexpected second hit: %+v", hits[1])
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("Hits not sorted by score: %+v", hits)
		}
	}
}

func TestSearchByVectorTruncatesToTopK(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	hits, err := uc.SearchByVector(context.Background(), []float32{1, 1, 0}, SearchOptions{TopK: 1})
	if err != nil {
		t.Fatalf("SearchByVector failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("Expected 1 hit, got %d", len(hits))
	}
}

func TestSearchByVectorTieBreaksDeterministically(t *testing.T) {
	store := newFakeStore()
	store.turns["conv-b"] = []entities.Turn{{Index: 0, Embedding: []float32{1, 0}}}
	store.turns["conv-a"] = []entities.Turn{
		{Index: 1, Embedding: []float32{1, 0}},
		{Index: 0, Embedding: []float32{1, 0}},
	}
	// fakeStore returns turns in stored order; real stores order by
	// (conversation_id, turn_index) so sort input order must not matter.
	uc := NewSearchUseCase(store, nil)

	hits, err := uc.SearchByVector(context.Background(), []float32{1, 0}, SearchOptions{TopK: 10})
	if err != nil {
		t.Fatalf("SearchByVector failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Expected 3 hits, got %d", len(hits))
	}
	if hits[0].ConversationID != "conv-a" || hits[0].TurnIndex != 0 {
		t.Errorf("Unexpected tie-break order: %+v", hits)
	}
	if hits[1].ConversationID != "conv-a" || hits[1].TurnIndex != 1 {
		t.Errorf("Unexpected tie-break order: %+v", hits)
	}
	if hits[2].ConversationID != "conv-b" {
		t.Errorf("Unexpected tie-break order: %+v", hits)
	}
}

func TestSearchByVectorValidatesTopK(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	_, err := uc.SearchByVector(context.Background(), []float32{1, 0, 0}, SearchOptions{TopK: 0})
	if !errors.Is(err, ports.ErrInvalidTopK) {
		t.Errorf("Expected ErrInvalidTopK, got %v", err)
	}
	_, err = uc.SearchByVector(context.Background(), []float32{1, 0, 0}, SearchOptions{TopK: -3})
	if !errors.Is(err, ports.ErrInvalidTopK) {
		t.Errorf("Expected ErrInvalidTopK, got %v", err)
	}
}

func TestSearchByVectorValidatesMetaKeys(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	_, err := uc.SearchByVector(context.Background(), []float32{1, 0, 0}, SearchOptions{
		TopK:       5,
		MetaEquals: []ports.MetaFilter{{Key: "user name", Value: "x"}},
	})
	if !errors.Is(err, ports.ErrInvalidMetaKey) {
		t.Errorf("Expected ErrInvalidMetaKey, got %v", err)
	}

	_, err = uc.SearchByVector(context.Background(), []float32{1, 0, 0}, SearchOptions{
		TopK:       5,
		MetaEquals: []ports.MetaFilter{{Key: "user.name", Value: "x"}},
	})
	if errors.Is(err, ports.ErrInvalidMetaKey) {
		t.Errorf("Dotted key should be valid")
	}
}

func TestSearchByVectorEmptyQueryMatchesNothing(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	hits, err := uc.SearchByVector(context.Background(), nil, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Empty query should not error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits for empty query, got %d", len(hits))
	}

	hits, err = uc.SearchByVector(context.Background(), []float32{0, 0, 0}, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Zero-norm query should not error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits for zero-norm query, got %d", len(hits))
	}
}

func TestSearchByVectorSkipsDimensionMismatch(t *testing.T) {
	store := newFakeStore()
	store.turns["conv-a"] = []entities.Turn{
		{Index: 0, Embedding: []float32{1, 0}},
		{Index: 1, Embedding: []float32{1, 0, 0, 0}},
	}
	uc := NewSearchUseCase(store, nil)

	hits, err := uc.SearchByVector(context.Background(), []float32{1, 0}, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("SearchByVector failed: %v", err)
	}
	if len(hits) != 1 || hits[0].TurnIndex != 0 {
		t.Errorf("Expected only same-dimension turn, got %+v", hits)
	}
}

func TestSearchByTextRequiresEmbedder(t *testing.T) {
	uc := NewSearchUseCase(seededStore(), nil)

	_, err := uc.SearchByText(context.Background(), "cats", SearchOptions{TopK: 5})
	if !errors.Is(err, ports.ErrEmbedderUnavailable) {
		t.Errorf("Expected ErrEmbedderUnavailable, got %v", err)
	}
}

func TestSearchByTextEmbedsQuery(t *testing.T) {
	embedder := &fakeEmbedder{}
	uc := NewSearchUseCase(seededStore(), embedder)

	hits, err := uc.SearchByText(context.Background(), "cats", SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("SearchByText failed: %v", err)
	}
	if embedder.embedCalls != 1 {
		t.Errorf("Expected 1 embed call, got %d", embedder.embedCalls)
	}
	if len(hits) != 2 {
		t.Errorf("Expected 2 hits, got %d", len(hits))
	}
}

func BenchmarkSearchByVector(b *testing.B) {
	store := newFakeStore()
	const dims = 128
	for c := 0; c < 10; c++ {
		id := fmt.Sprintf("conv-%02d", c)
		turns := make([]entities.Turn, 100)
		for i := range turns {
			vec := make([]float32, dims)
			vec[(c*100+i)%dims] = 1
			turns[i] = entities.Turn{Index: i, Embedding: vec}
		}
		store.turns[id] = turns
	}
	uc := NewSearchUseCase(store, nil)

	query := make([]float32, dims)
	query[0] = 1

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := uc.SearchByVector(context.Background(), query, SearchOptions{TopK: 10}); err != nil {
			b.Fatal(err)
		}
	}
}
