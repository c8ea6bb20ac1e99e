// Package usecases contains application business rules.
// Clean Architecture: Use cases orchestrate the flow of data between entities
// and ports. They depend on abstractions, never on concrete adapters.
package usecases

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/convmemlabs/convmemory-go/internal/domain/entities"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

// embedBatchSize is how many turn texts go to the embedder per request.
const embedBatchSize = 32

// outputSnippetLen bounds tool output excerpts in embedding text.
const outputSnippetLen = 200

// SyncUseCase imports transcript files into the store, deciding per file
// between a full import, a skip, an append of new turns, or a full re-import.
type SyncUseCase struct {
	store    ports.ConversationStore
	parsers  ports.ParserResolver
	embedder ports.EmbeddingService // nil disables embedding
}

// NewSyncUseCase creates the sync use case with its dependencies.
func NewSyncUseCase(store ports.ConversationStore, parsers ports.ParserResolver, embedder ports.EmbeddingService) *SyncUseCase {
	return &SyncUseCase{
		store:    store,
		parsers:  parsers,
		embedder: embedder,
	}
}

// fileError marks a failure scoped to one source file. Sync records it and
// moves on; any other error aborts the run.
type fileError struct {
	err error
}

func (e *fileError) Error() string { return e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

func failFile(format string, args ...any) error {
	return &fileError{err: fmt.Errorf(format, args...)}
}

type syncOutcome int

const (
	outcomeImported syncOutcome = iota
	outcomeSkipped
)

// FullSync re-imports every transcript under dir, replacing stored state
// regardless of fingerprints.
func (uc *SyncUseCase) FullSync(ctx context.Context, dir string) (*entities.SyncStats, error) {
	return uc.sync(ctx, dir, true)
}

// IncrementalSync imports only transcripts whose fingerprint changed since
// the last run. Unchanged files are skipped without being parsed.
func (uc *SyncUseCase) IncrementalSync(ctx context.Context, dir string) (*entities.SyncStats, error) {
	return uc.sync(ctx, dir, false)
}

func (uc *SyncUseCase) sync(ctx context.Context, dir string, force bool) (*entities.SyncStats, error) {
	paths, err := uc.listTranscripts(dir)
	if err != nil {
		return nil, err
	}

	stats := &entities.SyncStats{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		outcome, err := uc.syncFile(ctx, path, force)
		if err != nil {
			var fe *fileError
			if errors.As(err, &fe) {
				log.Printf("sync: skipping %s: %v", path, fe.err)
				stats.Failed++
				stats.Failures = append(stats.Failures, entities.FileFailure{Path: path, Err: fe.err})
				continue
			}
			return stats, fmt.Errorf("syncing %s: %w", path, err)
		}

		switch outcome {
		case outcomeImported:
			stats.Processed++
		case outcomeSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

// SyncFile imports a single transcript path. Paths no parser claims are
// ignored without error, so watchers can feed every event through here.
func (uc *SyncUseCase) SyncFile(ctx context.Context, path string) error {
	if _, err := uc.parsers.ForFile(path); err != nil {
		return nil
	}
	_, err := uc.syncFile(ctx, path, false)
	return err
}

// listTranscripts walks dir and returns every path some parser claims,
// sorted so runs are deterministic.
func (uc *SyncUseCase) listTranscripts(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, err := uc.parsers.ForFile(path); err == nil {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (uc *SyncUseCase) syncFile(ctx context.Context, path string, force bool) (syncOutcome, error) {
	parser, err := uc.parsers.ForFile(path)
	if err != nil {
		return 0, failFile("resolving parser: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, failFile("stat: %w", err)
	}
	current := entities.Fingerprint{
		ModTime:   info.ModTime().UTC(),
		SizeBytes: info.Size(),
	}

	stored, err := uc.store.GetConversationByPath(ctx, path)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, failFile("read: %w", err)
	}
	sum := sha256.Sum256(data)
	current.ContentHash = hex.EncodeToString(sum[:])

	// A stat match alone is not enough to skip: Matches also confirms the
	// content hash. The bytes are already in hand for parsing, so the
	// hash is computed unconditionally rather than after the stat check.
	if !force && stored != nil && stored.Fingerprint.Matches(current) {
		return outcomeSkipped, nil
	}

	sess, err := parser.Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return 0, failFile("parse: %w", err)
	}
	if len(sess.Turns) == 0 {
		return 0, failFile("%w", ports.ErrEmptySession)
	}

	conv := buildConversation(path, current, sess)

	if !force && stored != nil {
		storedTurns, err := uc.store.ListTurns(ctx, stored.ID)
		if err != nil {
			return 0, err
		}
		if len(sess.Turns) > len(storedTurns) && prefixUnchanged(storedTurns, sess.Turns) {
			tail := sess.Turns[len(storedTurns):]
			uc.embedTurns(ctx, tail)
			if err := uc.store.AppendTurns(ctx, conv, tail); err != nil {
				if errors.Is(err, ports.ErrConsistency) {
					return 0, failFile("append: %w", err)
				}
				return 0, err
			}
			return outcomeImported, nil
		}
	}

	uc.embedTurns(ctx, sess.Turns)
	if err := uc.store.ReplaceTurns(ctx, conv, sess.Turns); err != nil {
		if errors.Is(err, ports.ErrConsistency) {
			return 0, failFile("replace: %w", err)
		}
		return 0, err
	}
	return outcomeImported, nil
}

// buildConversation binds a parsed session to its stored identity.
func buildConversation(path string, fp entities.Fingerprint, sess *entities.Session) *entities.Conversation {
	conv := &entities.Conversation{
		ID:          entities.ConversationID(path),
		SourcePath:  path,
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.EndedAt,
		Metadata:    sess.Metadata,
		Fingerprint: fp,

		Preview:         sess.Digest.Preview,
		FirstQuestion:   sess.Digest.FirstQuestion,
		LastQuestion:    sess.Digest.LastQuestion,
		LastUserMessage: sess.Digest.LastUserMessage,
		Model:           sess.Digest.Model,
		CWD:             sess.Digest.CWD,
		Commands:        sess.Digest.Commands,
		FilesTouched:    sess.Digest.FilesTouched,
		SearchBlob:      sess.Digest.SearchBlob,
	}
	if !sess.StartedAt.IsZero() && !sess.EndedAt.IsZero() {
		conv.DurationSeconds = int64(sess.EndedAt.Sub(sess.StartedAt).Seconds())
	}
	return conv
}

// prefixUnchanged reports whether the stored turns are an exact prefix of
// the freshly parsed ones. Only then is an append safe.
func prefixUnchanged(stored, parsed []entities.Turn) bool {
	if len(stored) > len(parsed) {
		return false
	}
	for i := range stored {
		if !turnEqual(&stored[i], &parsed[i]) {
			return false
		}
	}
	return true
}

func turnEqual(a, b *entities.Turn) bool {
	if a.Kind != b.Kind ||
		!a.StartedAt.Equal(b.StartedAt) ||
		a.UserText != b.UserText ||
		a.AssistantText != b.AssistantText ||
		a.Telemetry != b.Telemetry {
		return false
	}
	aCalls, errA := json.Marshal(a.ToolCalls)
	bCalls, errB := json.Marshal(b.ToolCalls)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aCalls, bCalls)
}

// embedTurns fills in embeddings for the given turns, batching requests.
// Embedding is best effort: a turn whose embedding fails is stored without
// one and stays invisible to vector search.
func (uc *SyncUseCase) embedTurns(ctx context.Context, turns []entities.Turn) {
	if uc.embedder == nil || len(turns) == 0 {
		return
	}

	for start := 0; start < len(turns); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(turns) {
			end = len(turns)
		}
		batch := turns[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = renderTurnEmbeddingText(&batch[i])
		}

		vectors, err := uc.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vectors) == len(batch) {
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			continue
		}
		if err != nil {
			log.Printf("sync: batch embedding failed, falling back to single requests: %v", err)
		}

		for i := range batch {
			vec, err := uc.embedder.Embed(ctx, texts[i])
			if err != nil {
				log.Printf("sync: embedding turn %d failed: %v", batch[i].Index, err)
				continue
			}
			batch[i].Embedding = vec
		}
	}
}

// renderTurnEmbeddingText flattens one turn into the text that gets
// embedded: user and assistant sections plus a bounded action summary.
func renderTurnEmbeddingText(turn *entities.Turn) string {
	var b strings.Builder

	if turn.UserText != "" {
		b.WriteString("User: ")
		b.WriteString(turn.UserText)
		b.WriteString("\n")
	}
	if turn.AssistantText != "" {
		b.WriteString("Assistant: ")
		b.WriteString(turn.AssistantText)
		b.WriteString("\n")
	}
	if len(turn.ToolCalls) > 0 {
		b.WriteString("Actions:\n")
		for _, call := range turn.ToolCalls {
			b.WriteString("- ")
			b.WriteString(call.Kind)
			if call.Name != "" && call.Name != call.Kind {
				b.WriteString(" ")
				b.WriteString(call.Name)
			}
			if len(call.Arguments) > 0 {
				b.WriteString(" ")
				b.WriteString(truncate(string(call.Arguments), outputSnippetLen))
			}
			if call.Output != "" {
				b.WriteString(" -> ")
				b.WriteString(truncate(call.Output, outputSnippetLen))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
