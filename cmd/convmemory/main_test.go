package main

import (
	"strings"
	"testing"
)

func TestResolveProviderFromModelFlag(t *testing.T) {
	cases := []struct {
		name     string
		flags    embedderFlags
		expected string
	}{
		{"no flags", embedderFlags{}, "none"},
		{"explicit provider wins", embedderFlags{provider: "mock", model: "model.onnx"}, "mock"},
		{"onnx file path", embedderFlags{model: "all-MiniLM-L6-v2.onnx"}, "onnx"},
		{"filesystem path", embedderFlags{model: "/opt/models/embedder.onnx"}, "onnx"},
		{"relative path", embedderFlags{model: "models/embedder.onnx"}, "onnx"},
		{"ollama model name", embedderFlags{model: "nomic-embed-text"}, "ollama"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.flags.resolveProvider(); got != tc.expected {
				t.Errorf("resolveProvider() = %q, expected %q", got, tc.expected)
			}
		})
	}
}

func TestBuildEmbedderFromModelName(t *testing.T) {
	f := embedderFlags{model: "nomic-embed-text"}
	svc, cleanup, err := f.build()
	defer cleanup()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if svc == nil {
		t.Fatal("Expected an embedding service when --embed-model is set")
	}
}

func TestBuildRejectsModelWithProviderNone(t *testing.T) {
	f := embedderFlags{provider: "none", model: "nomic-embed-text"}
	_, cleanup, err := f.build()
	defer cleanup()
	if err == nil || !strings.Contains(err.Error(), "--embed-model") {
		t.Fatalf("Expected a misconfiguration error, got %v", err)
	}
}
