// Command convmemory imports agent-session transcripts into a local
// knowledge base and searches them.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convmemlabs/convmemory-go/internal/adapters/embedding"
	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "convmemory",
		Short:         "Turn agent-session transcripts into a searchable knowledge base",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newImportCmd(), newSearchCmd(), newWatchCmd())
	return cmd
}

// embedderFlags configures which embedding service a command uses.
type embedderFlags struct {
	provider      string
	model         string
	ollamaURL     string
	onnxModel     string
	onnxTokenizer string
	onnxLib       string
	dimensions    int
	threads       int
	gpuLayers     int
	cacheMB       int64
}

func (f *embedderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "embedder", "", "embedding provider: none, mock, ollama or onnx (inferred from --embed-model when unset)")
	cmd.Flags().StringVar(&f.model, "embed-model", "", "embedding model: a .onnx file path or an Ollama model name; enables embedding")
	cmd.Flags().StringVar(&f.ollamaURL, "ollama-url", "", "base URL of the Ollama server")
	cmd.Flags().StringVar(&f.onnxModel, "onnx-model", "", "path to the ONNX model file")
	cmd.Flags().StringVar(&f.onnxTokenizer, "onnx-tokenizer", "", "path to tokenizer.json for the ONNX provider")
	cmd.Flags().StringVar(&f.onnxLib, "onnx-lib", "", "path to libonnxruntime.so")
	cmd.Flags().IntVar(&f.dimensions, "embed-dims", 0, "embedding dimensions (provider default when 0)")
	cmd.Flags().IntVar(&f.threads, "embed-threads", 0, "intra-op threads for the ONNX provider")
	cmd.Flags().IntVar(&f.gpuLayers, "embed-gpu-layers", 0, "offload inference to the GPU when positive (ONNX provider)")
	cmd.Flags().Int64Var(&f.cacheMB, "embed-cache-mb", 0, "in-process embedding cache size in MiB (0 disables)")
}

// resolveProvider picks the provider when --embedder was not given: a model
// that names an .onnx file (or any path) runs locally, anything else goes to
// Ollama. No model means no embedding.
func (f *embedderFlags) resolveProvider() string {
	if f.provider != "" {
		return f.provider
	}
	if f.model == "" {
		return "none"
	}
	if strings.HasSuffix(f.model, ".onnx") || strings.ContainsAny(f.model, `/\`) {
		return "onnx"
	}
	return "ollama"
}

// build returns the configured embedding service, which may be nil, and a
// cleanup function.
func (f *embedderFlags) build() (ports.EmbeddingService, func(), error) {
	cleanup := func() {}

	var inner ports.EmbeddingService
	switch f.resolveProvider() {
	case "none":
		if f.model != "" {
			return nil, cleanup, fmt.Errorf("--embed-model %s is unused with --embedder none", f.model)
		}
		return nil, cleanup, nil
	case "mock":
		inner = embedding.NewMockAdapter(f.dimensions)
	case "ollama":
		inner = embedding.NewOllamaAdapter(f.ollamaURL, f.model)
	case "onnx":
		modelPath := f.onnxModel
		if modelPath == "" {
			modelPath = f.model
		}
		adapter, err := embedding.NewONNXAdapter(embedding.ONNXConfig{
			ModelPath:         modelPath,
			TokenizerPath:     f.onnxTokenizer,
			SharedLibraryPath: f.onnxLib,
			Dimensions:        f.dimensions,
			Threads:           f.threads,
			GPULayers:         f.gpuLayers,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating ONNX embedder: %w", err)
		}
		cleanup = func() { adapter.Close() }
		inner = adapter
	default:
		return nil, cleanup, fmt.Errorf("unknown embedding provider: %s", f.provider)
	}

	if f.cacheMB > 0 {
		cached, err := embedding.NewCachedAdapter(inner, f.cacheMB<<20)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		innerCleanup := cleanup
		cleanup = func() {
			cached.Close()
			innerCleanup()
		}
		return cached, cleanup, nil
	}
	return inner, cleanup, nil
}
