// Package convmemory turns directories of agent-session transcripts into a
// queryable knowledge base: incremental sync into SQLite plus
// metadata-filtered vector search over the stored turns.
package convmemory

import (
	"context"

	"github.com/convmemlabs/convmemory-go/internal/adapters/parser"
	"github.com/convmemlabs/convmemory-go/internal/adapters/storage"
	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
	"github.com/convmemlabs/convmemory-go/internal/domain/usecases"
)

// Re-exported domain types so callers do not import internal packages.
type (
	Conversation     = entities.Conversation
	Turn             = entities.Turn
	Hit              = entities.Hit
	SyncStats        = entities.SyncStats
	SearchOptions    = usecases.SearchOptions
	MetaFilter       = ports.MetaFilter
	EmbeddingService = ports.EmbeddingService
)

// Sentinel errors callers can branch on with errors.Is.
var (
	ErrInvalidTopK         = ports.ErrInvalidTopK
	ErrInvalidMetaKey      = ports.ErrInvalidMetaKey
	ErrEmbedderUnavailable = ports.ErrEmbedderUnavailable
	ErrConsistency         = ports.ErrConsistency
)

// KnowledgeBase is the top-level handle: one database plus the sync and
// search pipelines over it.
type KnowledgeBase struct {
	store    *storage.Store
	registry *parser.Registry
	sync     *usecases.SyncUseCase
	search   *usecases.SearchUseCase
}

// Option configures a KnowledgeBase at open time.
type Option func(*options)

type options struct {
	embedder ports.EmbeddingService
	parsers  []ports.SessionParser
}

// WithEmbedder attaches an embedding service. Without one, imports store no
// vectors and only SearchByVector works, against previously embedded data.
func WithEmbedder(e ports.EmbeddingService) Option {
	return func(o *options) { o.embedder = e }
}

// WithParser registers an additional transcript parser ahead of the
// built-in ones.
func WithParser(p ports.SessionParser) Option {
	return func(o *options) { o.parsers = append(o.parsers, p) }
}

// Open opens (and creates if needed) the knowledge base at databasePath.
func Open(databasePath string, opts ...Option) (*KnowledgeBase, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := storage.Open(databasePath)
	if err != nil {
		return nil, err
	}

	registry := parser.NewRegistry()
	for _, p := range o.parsers {
		registry.Register(p)
	}

	return &KnowledgeBase{
		store:    store,
		registry: registry,
		sync:     usecases.NewSyncUseCase(store, registry, o.embedder),
		search:   usecases.NewSearchUseCase(store, o.embedder),
	}, nil
}

// Close releases the underlying database.
func (kb *KnowledgeBase) Close() error {
	return kb.store.Close()
}

// FullSync re-imports every transcript under dir regardless of fingerprints.
func (kb *KnowledgeBase) FullSync(ctx context.Context, dir string) (*SyncStats, error) {
	return kb.sync.FullSync(ctx, dir)
}

// IncrementalSync imports only transcripts that changed since the last run.
func (kb *KnowledgeBase) IncrementalSync(ctx context.Context, dir string) (*SyncStats, error) {
	return kb.sync.IncrementalSync(ctx, dir)
}

// SyncFile imports a single transcript path. Non-transcript paths are
// ignored without error.
func (kb *KnowledgeBase) SyncFile(ctx context.Context, path string) error {
	return kb.sync.SyncFile(ctx, path)
}

// SearchByText embeds the query and returns the most similar stored turns.
func (kb *KnowledgeBase) SearchByText(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	return kb.search.SearchByText(ctx, query, opts)
}

// SearchByVector returns the most similar stored turns for a query vector.
func (kb *KnowledgeBase) SearchByVector(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	return kb.search.SearchByVector(ctx, vector, opts)
}

// GetConversation returns a stored conversation by ID, or nil when absent.
func (kb *KnowledgeBase) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return kb.store.GetConversation(ctx, id)
}

// GetConversationByPath returns the conversation imported from a source
// path, or nil when the path has never been imported.
func (kb *KnowledgeBase) GetConversationByPath(ctx context.Context, sourcePath string) (*Conversation, error) {
	return kb.store.GetConversationByPath(ctx, sourcePath)
}

// ListTurns returns the full ordered turn set of one conversation.
func (kb *KnowledgeBase) ListTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	return kb.store.ListTurns(ctx, conversationID)
}

// TranscriptMatcher reports whether a file name belongs to any registered
// transcript format. Watch mode uses it to filter file events.
func (kb *KnowledgeBase) TranscriptMatcher() func(filename string) bool {
	return func(filename string) bool {
		_, err := kb.registry.ForFile(filename)
		return err == nil
	}
}
