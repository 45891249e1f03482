// Package index exposes the symbol/text/vector index surface the engine
// retrieves from. The contract is the Index interface; LocalIndex is the
// embedded implementation backing legacy mode and the global-mode local
// cache.
package index

import (
	"context"
	"fmt"
)

// DetailLevel controls how much of a symbol a context may carry. Lower
// levels are always preferred under tight budgets.
type DetailLevel int

const (
	// DetailSkeleton: id, name, kind, signature.
	DetailSkeleton DetailLevel = iota
	// DetailInterface: skeleton + location and doc comment.
	DetailInterface
	// DetailImplementation: interface + body and metadata.
	DetailImplementation
	// DetailFull: implementation + references and dependencies.
	DetailFull
)

// String returns the wire name of the detail level.
func (d DetailLevel) String() string {
	switch d {
	case DetailSkeleton:
		return "skeleton"
	case DetailInterface:
		return "interface"
	case DetailImplementation:
		return "implementation"
	case DetailFull:
		return "full"
	default:
		return fmt.Sprintf("detail(%d)", int(d))
	}
}

// ParseDetailLevel parses a wire name.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch s {
	case "skeleton":
		return DetailSkeleton, nil
	case "interface":
		return DetailInterface, nil
	case "implementation":
		return DetailImplementation, nil
	case "full":
		return DetailFull, nil
	default:
		return DetailSkeleton, fmt.Errorf("unknown detail level %q", s)
	}
}

// Symbol is the indexed metadata for one code symbol. The ID is stable and
// content-derived; the core treats it as opaque.
type Symbol struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"` // function/type/method/...
	Signature string `json:"signature"`

	File      string `json:"file,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Doc       string `json:"doc,omitempty"`

	Body           string `json:"body,omitempty"`
	Complexity     int    `json:"complexity,omitempty"`
	TokenCost      int    `json:"token_cost,omitempty"`
	UsageFrequency int    `json:"usage_frequency,omitempty"`

	References   []string `json:"references,omitempty"`   // incoming
	Dependencies []string `json:"dependencies,omitempty"` // outgoing

	// External marks identifiers that do not resolve locally but are still
	// legal targets for memory/link records.
	External bool `json:"external,omitempty"`

	SchemaVersion int `json:"schema_version"`
}

// ApplyDetailLevel filters a symbol down to the requested level. It never
// adds information, so applying a lower level twice is stable.
func ApplyDetailLevel(sym Symbol, level DetailLevel) Symbol {
	out := Symbol{
		ID:            sym.ID,
		Name:          sym.Name,
		Kind:          sym.Kind,
		Signature:     sym.Signature,
		External:      sym.External,
		SchemaVersion: sym.SchemaVersion,
	}
	if level >= DetailInterface {
		out.File = sym.File
		out.StartLine = sym.StartLine
		out.EndLine = sym.EndLine
		out.Doc = sym.Doc
	}
	if level >= DetailImplementation {
		out.Body = sym.Body
		out.Complexity = sym.Complexity
		out.TokenCost = sym.TokenCost
		out.UsageFrequency = sym.UsageFrequency
	}
	if level >= DetailFull {
		out.References = sym.References
		out.Dependencies = sym.Dependencies
	}
	return out
}

// Filters narrows a symbol search.
type Filters struct {
	Kind       string
	PathPrefix string
}

// DefinitionOptions selects optional expansions for GetDefinition.
type DefinitionOptions struct {
	IncludeBody         bool
	IncludeReferences   bool
	IncludeDependencies bool
}

// SimilarResult pairs a symbol or episode id with a similarity score.
type SimilarResult struct {
	ID         string
	Similarity float64
}

// Index is the surface the core retrieves from. Implementations must honour
// the maxTokens bound on every ranked result list.
type Index interface {
	// SearchSymbols returns ranked symbols matching query under the given
	// budget, filtered to the requested detail level.
	SearchSymbols(ctx context.Context, query string, f Filters, detail DetailLevel, maxResults, maxTokens int) ([]Symbol, error)

	// GetDefinition returns a symbol with optional expansions.
	GetDefinition(ctx context.Context, id string, opts DefinitionOptions) (Symbol, error)

	// FindReferences returns the symbols that reference id.
	FindReferences(ctx context.Context, id string) ([]Symbol, error)

	// FindSimilar returns nearest neighbours in the vector space.
	FindSimilar(ctx context.Context, text string, k int) ([]SimilarResult, error)

	// Resolve reports whether id resolves in this index.
	Resolve(ctx context.Context, id string) bool
}
