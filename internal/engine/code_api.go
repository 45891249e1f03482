package engine

import (
	"context"
	"errors"
	"time"

	"meridian/internal/global"
	"meridian/internal/index"
	"meridian/internal/logging"
	"meridian/internal/memory"
)

// =============================================================================
// code.* operations
// =============================================================================

// SearchSymbols queries the index under a result and token budget. In
// global mode the external server answers first; when it is unavailable the
// local cache serves the query (both modes stay fully functional offline).
func (e *Engine) SearchSymbols(ctx context.Context, query string, f index.Filters, detail index.DetailLevel, maxResults, maxTokens int) ([]index.Symbol, error) {
	start := time.Now()

	if e.mode == ModeGlobal && e.globalClient.Enabled() {
		syms, err := e.globalClient.SearchSymbols(ctx, query, maxResults, maxTokens)
		if err == nil {
			out := make([]index.Symbol, 0, len(syms))
			for _, sym := range syms {
				out = append(out, index.ApplyDetailLevel(sym, detail))
			}
			e.observe("code.search_symbols", start, nil, maxTokens)
			return out, nil
		}
		if !errors.Is(err, global.ErrUnavailable) {
			e.observe("code.search_symbols", start, err, 0)
			return nil, err
		}
		logging.Global("global server unavailable, serving from local cache")
	}

	out, err := e.idx.SearchSymbols(ctx, query, f, detail, maxResults, maxTokens)
	e.observe("code.search_symbols", start, err, maxTokens)
	return out, err
}

// GetDefinition returns one symbol with optional expansions.
func (e *Engine) GetDefinition(ctx context.Context, id string, opts index.DefinitionOptions) (index.Symbol, error) {
	start := time.Now()
	out, err := e.idx.GetDefinition(ctx, id, opts)
	e.observe("code.get_definition", start, err, out.TokenCost)
	if err == nil {
		e.working.Touch(id)
	}
	return out, err
}

// FindReferences returns the symbols referencing id.
func (e *Engine) FindReferences(ctx context.Context, id string) ([]index.Symbol, error) {
	start := time.Now()
	out, err := e.idx.FindReferences(ctx, id)
	e.observe("code.find_references", start, err, 0)
	return out, err
}

// GetDependencies returns the symbols id depends on.
func (e *Engine) GetDependencies(ctx context.Context, id string) ([]index.Symbol, error) {
	start := time.Now()
	sym, err := e.idx.GetDefinition(ctx, id, index.DefinitionOptions{IncludeDependencies: true})
	if err != nil {
		e.observe("code.get_dependencies", start, err, 0)
		return nil, err
	}
	out := make([]index.Symbol, 0, len(sym.Dependencies))
	for _, dep := range sym.Dependencies {
		if d, derr := e.idx.GetDefinition(ctx, dep, index.DefinitionOptions{}); derr == nil {
			out = append(out, d)
		}
	}
	e.observe("code.get_dependencies", start, nil, 0)
	return out, nil
}

// SearchPatterns ranks stored semantic patterns against a query, paginated.
func (e *Engine) SearchPatterns(ctx context.Context, query string, offset, pageSize int) ([]memory.PatternMatch, bool, error) {
	start := time.Now()
	matches := e.semantic.MatchPatterns(query)
	page, hasMore := paginate(matches, offset, pageSize)
	e.observe("code.search_patterns", start, nil, 0)
	return page, hasMore, nil
}
