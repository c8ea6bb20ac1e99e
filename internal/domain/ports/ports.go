// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
)

// Sentinel errors shared across the boundary. Callers branch on these with
// errors.Is to tell configuration mistakes and consistency violations apart
// from plain storage failures.
var (
	// ErrConsistency marks a write that would violate a stored invariant
	// (e.g. an append whose first ordinal does not extend the existing
	// contiguous range). The transaction is rolled back before it surfaces.
	ErrConsistency = errors.New("store consistency violation")

	// ErrInvalidTopK is returned for a non-positive result limit.
	ErrInvalidTopK = errors.New("top_k must be positive")

	// ErrInvalidMetaKey is returned for a metadata filter key that is not a
	// dotted path of [A-Za-z0-9_-] segments.
	ErrInvalidMetaKey = errors.New("invalid metadata filter key")

	// ErrEmbedderUnavailable is returned when a text query is issued without
	// an embedding service. Callers may fall back to non-semantic search.
	ErrEmbedderUnavailable = errors.New("embedding service unavailable")

	// ErrEmptySession marks a transcript that parsed cleanly but produced no
	// turns; such files fail validation and are never stored.
	ErrEmptySession = errors.New("session has no turns")
)

// EmbeddingService generates vector embeddings for text.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// SessionParser turns one raw transcript stream into a normalized session.
// Each implementation handles a single agent-tool format and registers under
// a format name; new formats plug in without touching sync, storage or search.
type SessionParser interface {
	// Parse reads a full transcript and returns its normalized form.
	Parse(ctx context.Context, r io.Reader) (*entities.Session, error)

	// Matches reports whether a file name looks like a transcript of this
	// format. Used by sync to enumerate candidate files.
	Matches(filename string) bool

	// Format returns the format name this parser handles.
	Format() string
}

// ParserResolver selects the parser responsible for a transcript path.
// Paths no parser claims are not transcripts and are ignored by sync.
type ParserResolver interface {
	ForFile(path string) (SessionParser, error)
}

// MetaFilter is one key = value equality constraint against conversation
// metadata. Key is a dotted path into the metadata document.
type MetaFilter struct {
	Key   string
	Value string
}

// ValidateMetaKey checks that a metadata filter key is a dotted path whose
// segments contain only letters, digits, underscore and hyphen. Keys are
// interpolated into store queries, so anything else is rejected up front.
func ValidateMetaKey(key string) error {
	if key == "" {
		return ErrInvalidMetaKey
	}
	for _, segment := range strings.Split(key, ".") {
		if segment == "" {
			return ErrInvalidMetaKey
		}
		for _, r := range segment {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return ErrInvalidMetaKey
			}
		}
	}
	return nil
}

// TurnFilter constrains which turns a store scan returns.
type TurnFilter struct {
	ConversationIDs  []string
	MetaEquals       []MetaFilter
	RequireEmbedding bool
}

// ConversationStore persists conversations and their turns.
// All mutating operations are atomic: either the full row set for one sync
// decision commits, or none of it does. Reads observe completed transactions
// only.
type ConversationStore interface {
	// UpsertConversation inserts or updates conversation metadata by ID.
	UpsertConversation(ctx context.Context, conv *entities.Conversation) error

	// ReplaceTurns atomically swaps the whole turn set of a conversation,
	// upserting the conversation row (including its fingerprint) and
	// recomputing aggregates in the same transaction.
	ReplaceTurns(ctx context.Context, conv *entities.Conversation, turns []entities.Turn) error

	// AppendTurns atomically adds turns whose first ordinal must equal
	// max(existing ordinal)+1, updating the conversation row in the same
	// transaction. A gap or overlap fails with ErrConsistency.
	AppendTurns(ctx context.Context, conv *entities.Conversation, turns []entities.Turn) error

	// GetConversation returns a conversation by ID, or nil when absent.
	GetConversation(ctx context.Context, id string) (*entities.Conversation, error)

	// GetConversationByPath returns the conversation for a source path, or
	// nil when the path has never been imported.
	GetConversationByPath(ctx context.Context, sourcePath string) (*entities.Conversation, error)

	// ListTurns returns the full ordered turn set of one conversation.
	ListTurns(ctx context.Context, conversationID string) ([]entities.Turn, error)

	// CandidateTurns returns turns matching the filter, ordered by
	// (conversation_id, turn_index) ascending. The filter is applied in the
	// store before any embedding is decoded.
	CandidateTurns(ctx context.Context, filter TurnFilter) ([]entities.Turn, error)

	// Close releases the underlying store handle.
	Close() error
}

// FileWatcher monitors a directory tree for transcript changes.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)
