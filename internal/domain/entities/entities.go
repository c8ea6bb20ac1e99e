// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Turn kinds. A turn is an "exchange" when it carries user or assistant text,
// and "tool" when it only records tool invocations.
const (
	TurnKindExchange = "exchange"
	TurnKindTool     = "tool"
)

// Fingerprint identifies the on-disk state of a source transcript file.
// Equality of all three fields is the sole condition under which a file
// may be skipped during incremental sync.
type Fingerprint struct {
	ModTime     time.Time
	SizeBytes   int64
	ContentHash string // hex-encoded SHA-256 of the file contents
}

// Matches reports whether two fingerprints describe the same file state,
// including the content hash.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.ModTime.Equal(other.ModTime) &&
		f.SizeBytes == other.SizeBytes &&
		f.ContentHash != "" &&
		f.ContentHash == other.ContentHash
}

// StatMatches reports whether modification time and size agree. A stat match
// is necessary but not sufficient for a skip: the content hash still has to
// be confirmed.
func (f Fingerprint) StatMatches(other Fingerprint) bool {
	return f.ModTime.Equal(other.ModTime) && f.SizeBytes == other.SizeBytes
}

// Conversation represents one ingested transcript.
type Conversation struct {
	ID               string
	SourcePath       string
	StartedAt        time.Time
	EndedAt          time.Time
	DurationSeconds  int64
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingDim     int // 0 when no turn carries an embedding
	Metadata         json.RawMessage
	Fingerprint      Fingerprint

	// Digest fields derived from the turn set during normalization.
	Preview         string
	FirstQuestion   string
	LastQuestion    string
	LastUserMessage string
	Model           string
	CWD             string
	TurnCount       int
	Commands        []string
	FilesTouched    []string
	SearchBlob      string
}

// Turn is one ordered exchange within a conversation.
// Embedding is nil while the turn has not been embedded; a stored zero-length
// vector is never used as an "absent" sentinel.
type Turn struct {
	ConversationID string
	Index          int
	Kind           string
	StartedAt      time.Time
	UserText       string
	AssistantText  string
	ToolCalls      []ToolCall
	Telemetry      Telemetry
	Embedding      []float32
}

// ToolCall records one tool invocation within a turn, in transcript order.
type ToolCall struct {
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Kind      string          `json:"kind"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

// Telemetry is the per-turn measurement snapshot.
type Telemetry struct {
	LatencyMS        int64 `json:"latency_ms"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Digest holds conversation-level attributes computed from the turn set.
type Digest struct {
	Preview         string
	FirstQuestion   string
	LastQuestion    string
	LastUserMessage string
	Model           string
	CWD             string
	Commands        []string
	FilesTouched    []string
	SearchBlob      string
}

// Session is a normalized transcript as produced by a format adapter,
// before it has been bound to a stored conversation.
type Session struct {
	Metadata           json.RawMessage
	StartedAt          time.Time
	EndedAt            time.Time
	ModelContextWindow int64
	Turns              []Turn
	Digest             Digest
}

// Hit is a scored (conversation, turn) pair returned by search.
type Hit struct {
	ConversationID string
	TurnIndex      int
	Score          float64
	UserText       string
	AssistantText  string
}

// SyncStats summarises one sync run over a source root.
type SyncStats struct {
	Processed int
	Skipped   int
	Failed    int
	Failures  []FileFailure
}

// FileFailure records a per-file failure that did not abort the run.
type FileFailure struct {
	Path string
	Err  error
}

// conversationNamespace scopes path-derived conversation IDs so they cannot
// collide with UUIDs minted for other purposes.
var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("convmemory"))

// ConversationID derives the stable conversation identifier for a source
// path. The same path always maps to the same ID; distinct paths map to
// distinct IDs even when their contents are identical.
func ConversationID(sourcePath string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(sourcePath)).String()
}
