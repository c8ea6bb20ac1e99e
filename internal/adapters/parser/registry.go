package parser

import (
	"fmt"
	"path/filepath"

	"github.com/convmemlabs/convmemory-go/internal/domain/ports"
)

// Registry maps transcript files to the parser that understands them.
type Registry struct {
	parsers []ports.SessionParser
}

// NewRegistry creates a registry with all built-in parsers.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []ports.SessionParser{
			NewCodexParser(),
		},
	}
}

// Register adds a parser. Later registrations win over built-ins when both
// match a file name.
func (r *Registry) Register(p ports.SessionParser) {
	r.parsers = append([]ports.SessionParser{p}, r.parsers...)
}

// ForFile returns the parser for a transcript path.
func (r *Registry) ForFile(path string) (ports.SessionParser, error) {
	name := filepath.Base(path)
	for _, p := range r.parsers {
		if p.Matches(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no parser for file: %s", name)
}

// ForFormat returns the parser registered under a format name.
func (r *Registry) ForFormat(format string) (ports.SessionParser, error) {
	for _, p := range r.parsers {
		if p.Format() == format {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown transcript format: %s", format)
}
