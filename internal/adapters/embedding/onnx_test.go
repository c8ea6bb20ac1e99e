package embedding

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTokenizer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	data := `{"model":{"vocab":{"[UNK]":100,"[CLS]":101,"[SEP]":102,"hello":7592,"world":2088,"play":2377,"##ing":2075}}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing tokenizer: %v", err)
	}
	return path
}

func TestWordPieceTokenizer(t *testing.T) {
	tok, err := loadWordPieceTokenizer(writeTokenizer(t))
	if err != nil {
		t.Fatalf("loading tokenizer: %v", err)
	}

	ids := tok.tokenize("Hello, world!")
	if len(ids) != 2 || ids[0] != 7592 || ids[1] != 2088 {
		t.Errorf("unexpected token ids: %v", ids)
	}

	// "playing" is not in the vocabulary; WordPiece splits it.
	ids = tok.tokenize("playing")
	if len(ids) != 2 || ids[0] != 2377 || ids[1] != 2075 {
		t.Errorf("unexpected subword ids: %v", ids)
	}

	// Unknown words fall back to [UNK].
	ids = tok.tokenize("zzzzz")
	if len(ids) == 0 {
		t.Fatal("expected at least one token")
	}
	for _, id := range ids {
		if id != 100 {
			t.Errorf("expected [UNK] id 100, got %d", id)
		}
	}
}

func TestNewONNXAdapterRequiresPaths(t *testing.T) {
	if _, err := NewONNXAdapter(ONNXConfig{}); err == nil || !strings.Contains(err.Error(), "model path") {
		t.Errorf("expected model path error, got %v", err)
	}
	if _, err := NewONNXAdapter(ONNXConfig{ModelPath: "model.onnx"}); err == nil || !strings.Contains(err.Error(), "tokenizer path") {
		t.Errorf("expected tokenizer path error, got %v", err)
	}
}

func TestLoadWordPieceTokenizerErrors(t *testing.T) {
	if _, err := loadWordPieceTokenizer(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.json")
	os.WriteFile(empty, []byte(`{"model":{"vocab":{}}}`), 0o644)
	if _, err := loadWordPieceTokenizer(empty); err == nil {
		t.Error("expected error for empty vocabulary")
	}
}

func TestUnitNormalize(t *testing.T) {
	vec := unitNormalize([]float32{3, 4})
	if vec[0] != 0.6 || vec[1] != 0.8 {
		t.Errorf("unexpected normalized vector: %v", vec)
	}

	zero := unitNormalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector should pass through: %v", zero)
	}
}
