// Package storage provides the SQLite-backed conversation store.
// Clean Architecture: Adapter implementing ports.ConversationStore. All
// mutations run inside a single transaction so a sync decision either commits
// whole or not at all.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	source_path       TEXT NOT NULL UNIQUE,
	started_at        TEXT NOT NULL DEFAULT '',
	ended_at          TEXT NOT NULL DEFAULT '',
	duration_seconds  INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	embedding_dim     INTEGER NOT NULL DEFAULT 0,
	metadata_json     TEXT NOT NULL DEFAULT '{}',
	mtime_ns          INTEGER NOT NULL DEFAULT 0,
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	content_hash      TEXT NOT NULL DEFAULT '',
	preview           TEXT NOT NULL DEFAULT '',
	first_question    TEXT NOT NULL DEFAULT '',
	last_question     TEXT NOT NULL DEFAULT '',
	last_user_message TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	cwd               TEXT NOT NULL DEFAULT '',
	turn_count        INTEGER NOT NULL DEFAULT 0,
	commands_json     TEXT NOT NULL DEFAULT '[]',
	files_json        TEXT NOT NULL DEFAULT '[]',
	search_blob       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS turns (
	conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	turn_index        INTEGER NOT NULL,
	kind              TEXT NOT NULL,
	started_at        TEXT NOT NULL DEFAULT '',
	user_text         TEXT NOT NULL DEFAULT '',
	assistant_text    TEXT NOT NULL DEFAULT '',
	tools_json        TEXT NOT NULL DEFAULT '[]',
	telemetry_json    TEXT NOT NULL DEFAULT '{}',
	embedding         BLOB,
	PRIMARY KEY (conversation_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);
CREATE INDEX IF NOT EXISTS idx_conversations_source_path ON conversations(source_path);
`

// Store is a SQLite-backed implementation of ports.ConversationStore.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertConversation inserts or updates the conversation row by ID.
func (s *Store) UpsertConversation(ctx context.Context, conv *entities.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertConversationTx(ctx, tx, conv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ReplaceTurns swaps the whole turn set, upserting the conversation row and
// recomputing aggregates in the same transaction.
func (s *Store) ReplaceTurns(ctx context.Context, conv *entities.Conversation, turns []entities.Turn) error {
	if err := checkContiguous(turns, 0); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertConversationTx(ctx, tx, conv); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	if err := insertTurnsTx(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := refreshAggregatesTx(ctx, tx, conv.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AppendTurns adds turns whose first ordinal must extend the stored
// contiguous range. A gap or overlap rolls back with ports.ErrConsistency.
func (s *Store) AppendTurns(ctx context.Context, conv *entities.Conversation, turns []entities.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := checkContiguous(turns, turns[0].Index); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_index) + 1, 0) FROM turns WHERE conversation_id = ?`,
		conv.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("reading max turn index: %w", err)
	}
	if turns[0].Index != next {
		return fmt.Errorf("append at index %d, expected %d: %w", turns[0].Index, next, ports.ErrConsistency)
	}

	if err := upsertConversationTx(ctx, tx, conv); err != nil {
		return err
	}
	if err := insertTurnsTx(ctx, tx, conv.ID, turns); err != nil {
		return err
	}
	if err := refreshAggregatesTx(ctx, tx, conv.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID, or nil when absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	return s.getConversation(ctx, `id = ?`, id)
}

// GetConversationByPath returns the conversation for a source path, or nil
// when the path has never been imported.
func (s *Store) GetConversationByPath(ctx context.Context, sourcePath string) (*entities.Conversation, error) {
	return s.getConversation(ctx, `source_path = ?`, sourcePath)
}

const conversationColumns = `id, source_path, started_at, ended_at, duration_seconds,
	prompt_tokens, completion_tokens, embedding_dim, metadata_json,
	mtime_ns, size_bytes, content_hash,
	preview, first_question, last_question, last_user_message, model, cwd,
	turn_count, commands_json, files_json, search_blob`

func (s *Store) getConversation(ctx context.Context, where string, arg any) (*entities.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+where, arg)

	var (
		conv           entities.Conversation
		startedAt      string
		endedAt        string
		metadata       string
		mtimeNS        int64
		commandsJSON   string
		filesJSON      string
	)
	err := row.Scan(
		&conv.ID, &conv.SourcePath, &startedAt, &endedAt, &conv.DurationSeconds,
		&conv.PromptTokens, &conv.CompletionTokens, &conv.EmbeddingDim, &metadata,
		&mtimeNS, &conv.Fingerprint.SizeBytes, &conv.Fingerprint.ContentHash,
		&conv.Preview, &conv.FirstQuestion, &conv.LastQuestion, &conv.LastUserMessage,
		&conv.Model, &conv.CWD,
		&conv.TurnCount, &commandsJSON, &filesJSON, &conv.SearchBlob,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.StartedAt = parseTime(startedAt)
	conv.EndedAt = parseTime(endedAt)
	if mtimeNS != 0 {
		conv.Fingerprint.ModTime = time.Unix(0, mtimeNS).UTC()
	}
	if metadata != "" {
		conv.Metadata = json.RawMessage(metadata)
	}
	if err := json.Unmarshal([]byte(commandsJSON), &conv.Commands); err != nil {
		return nil, fmt.Errorf("decoding commands: %w", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &conv.FilesTouched); err != nil {
		return nil, fmt.Errorf("decoding files: %w", err)
	}
	return &conv, nil
}

// ListTurns returns the ordered turn set of one conversation.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]entities.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, turn_index, kind, started_at, user_text, assistant_text,
		        tools_json, telemetry_json, embedding
		 FROM turns WHERE conversation_id = ? ORDER BY turn_index ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// CandidateTurns returns turns matching the filter, ordered by
// (conversation_id, turn_index) ascending.
func (s *Store) CandidateTurns(ctx context.Context, filter ports.TurnFilter) ([]entities.Turn, error) {
	var (
		where []string
		args  []any
	)

	if filter.RequireEmbedding {
		where = append(where, `t.embedding IS NOT NULL`)
	}
	if len(filter.ConversationIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.ConversationIDs)), ",")
		where = append(where, `t.conversation_id IN (`+placeholders+`)`)
		for _, id := range filter.ConversationIDs {
			args = append(args, id)
		}
	}
	for _, mf := range filter.MetaEquals {
		if err := ports.ValidateMetaKey(mf.Key); err != nil {
			return nil, err
		}
		// json_valid keeps rows with empty metadata out of the predicate;
		// json_extract on non-JSON text is a runtime error in SQLite.
		where = append(where, `json_valid(c.metadata_json) AND CAST(json_extract(c.metadata_json, ?) AS TEXT) = ?`)
		args = append(args, "$."+mf.Key, mf.Value)
	}

	query := `SELECT t.conversation_id, t.turn_index, t.kind, t.started_at,
	                 t.user_text, t.assistant_text, t.tools_json, t.telemetry_json, t.embedding
	          FROM turns t JOIN conversations c ON c.id = t.conversation_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY t.conversation_id ASC, t.turn_index ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidate turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func upsertConversationTx(ctx context.Context, tx *sql.Tx, conv *entities.Conversation) error {
	commandsJSON, err := json.Marshal(stringsOrEmpty(conv.Commands))
	if err != nil {
		return fmt.Errorf("encoding commands: %w", err)
	}
	filesJSON, err := json.Marshal(stringsOrEmpty(conv.FilesTouched))
	if err != nil {
		return fmt.Errorf("encoding files: %w", err)
	}

	var mtimeNS int64
	if !conv.Fingerprint.ModTime.IsZero() {
		mtimeNS = conv.Fingerprint.ModTime.UnixNano()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (
			id, source_path, started_at, ended_at, duration_seconds,
			metadata_json, mtime_ns, size_bytes, content_hash,
			preview, first_question, last_question, last_user_message, model, cwd,
			commands_json, files_json, search_blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path       = excluded.source_path,
			started_at        = excluded.started_at,
			ended_at          = excluded.ended_at,
			duration_seconds  = excluded.duration_seconds,
			metadata_json     = excluded.metadata_json,
			mtime_ns          = excluded.mtime_ns,
			size_bytes        = excluded.size_bytes,
			content_hash      = excluded.content_hash,
			preview           = excluded.preview,
			first_question    = excluded.first_question,
			last_question     = excluded.last_question,
			last_user_message = excluded.last_user_message,
			model             = excluded.model,
			cwd               = excluded.cwd,
			commands_json     = excluded.commands_json,
			files_json        = excluded.files_json,
			search_blob       = excluded.search_blob`,
		conv.ID, conv.SourcePath, formatTime(conv.StartedAt), formatTime(conv.EndedAt), conv.DurationSeconds,
		metadataOrEmpty(conv.Metadata), mtimeNS, conv.Fingerprint.SizeBytes, conv.Fingerprint.ContentHash,
		conv.Preview, conv.FirstQuestion, conv.LastQuestion, conv.LastUserMessage, conv.Model, conv.CWD,
		string(commandsJSON), string(filesJSON), conv.SearchBlob,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

func insertTurnsTx(ctx context.Context, tx *sql.Tx, conversationID string, turns []entities.Turn) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (
			conversation_id, turn_index, kind, started_at,
			user_text, assistant_text, tools_json, telemetry_json, embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing turn insert: %w", err)
	}
	defer stmt.Close()

	for i := range turns {
		turn := &turns[i]
		toolsJSON, err := json.Marshal(toolCallsOrEmpty(turn.ToolCalls))
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		telemetryJSON, err := json.Marshal(turn.Telemetry)
		if err != nil {
			return fmt.Errorf("encoding telemetry: %w", err)
		}

		var embedding any
		if turn.Embedding != nil {
			embedding = encodeVector(turn.Embedding)
		}

		_, err = stmt.ExecContext(ctx,
			conversationID, turn.Index, turn.Kind, formatTime(turn.StartedAt),
			turn.UserText, turn.AssistantText, string(toolsJSON), string(telemetryJSON), embedding,
		)
		if err != nil {
			return fmt.Errorf("inserting turn %d: %w", turn.Index, err)
		}
	}
	return nil
}

// refreshAggregatesTx recomputes the conversation aggregates that derive
// from the stored turn set.
func refreshAggregatesTx(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			turn_count = (
				SELECT COUNT(*) FROM turns WHERE conversation_id = ?
			),
			prompt_tokens = (
				SELECT COALESCE(SUM(json_extract(telemetry_json, '$.prompt_tokens')), 0)
				FROM turns WHERE conversation_id = ?
			),
			completion_tokens = (
				SELECT COALESCE(SUM(json_extract(telemetry_json, '$.completion_tokens')), 0)
				FROM turns WHERE conversation_id = ?
			),
			embedding_dim = COALESCE((
				SELECT length(embedding) / 4 FROM turns
				WHERE conversation_id = ? AND embedding IS NOT NULL
				ORDER BY turn_index LIMIT 1
			), 0)
		WHERE id = ?`,
		conversationID, conversationID, conversationID, conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("refreshing aggregates: %w", err)
	}
	return nil
}

// checkContiguous verifies that turn ordinals form a gapless ascending run
// starting at first.
func checkContiguous(turns []entities.Turn, first int) error {
	for i := range turns {
		if turns[i].Index != first+i {
			return fmt.Errorf("turn ordinal %d at position %d: %w", turns[i].Index, i, ports.ErrConsistency)
		}
	}
	return nil
}

func scanTurns(rows *sql.Rows) ([]entities.Turn, error) {
	var out []entities.Turn
	for rows.Next() {
		var (
			turn          entities.Turn
			startedAt     string
			toolsJSON     string
			telemetryJSON string
			embedding     []byte
		)
		err := rows.Scan(
			&turn.ConversationID, &turn.Index, &turn.Kind, &startedAt,
			&turn.UserText, &turn.AssistantText, &toolsJSON, &telemetryJSON, &embedding,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turn.StartedAt = parseTime(startedAt)
		if err := json.Unmarshal([]byte(toolsJSON), &turn.ToolCalls); err != nil {
			return nil, fmt.Errorf("decoding tool calls: %w", err)
		}
		if err := json.Unmarshal([]byte(telemetryJSON), &turn.Telemetry); err != nil {
			return nil, fmt.Errorf("decoding telemetry: %w", err)
		}
		if embedding != nil {
			turn.Embedding = decodeVector(embedding)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return out, nil
}

// encodeVector packs a float32 vector as little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 vector. Trailing bytes that
// do not fill a float are dropped.
func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// metadataOrEmpty normalizes absent metadata to an empty JSON object so
// json_extract stays well defined for every stored row.
func metadataOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toolCallsOrEmpty(calls []entities.ToolCall) []entities.ToolCall {
	if calls == nil {
		return []entities.ToolCall{}
	}
	return calls
}
