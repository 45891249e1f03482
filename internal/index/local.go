package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"meridian/internal/embedding"
	"meridian/internal/logging"
	"meridian/internal/store"
)

// symbolSchemaVersion is embedded in every persisted symbol record.
const symbolSchemaVersion = 1

// LocalIndex is the embedded index implementation. Symbols persist in the
// root store under symbols:{project}:{id} (doc comments under
// docs:{project}:{id}); lexical search runs over an in-memory inverted
// index rebuilt on open; vector search uses the configured embedding engine
// with an ANN table when sqlite-vec is compiled in and brute-force cosine
// otherwise.
type LocalIndex struct {
	mu      sync.RWMutex
	store   *store.Store
	project string

	symbols  map[string]Symbol
	inverted map[string]map[string]int // token -> symbol id -> term frequency

	embedder embedding.Engine
	vectors  *vectorSearcher
}

// NewLocalIndex opens the index for one project, warming the in-memory
// inverted index from the store.
func NewLocalIndex(ctx context.Context, s *store.Store, projectID string, embedder embedding.Engine) (*LocalIndex, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "NewLocalIndex")
	defer timer.Stop()

	idx := &LocalIndex{
		store:    s,
		project:  projectID,
		symbols:  make(map[string]Symbol),
		inverted: make(map[string]map[string]int),
		embedder: embedder,
		vectors:  newVectorSearcher(),
	}

	prefix := []byte(fmt.Sprintf("symbols:%s:", projectID))
	count := 0
	err := s.Scan(ctx, prefix, func(key, value []byte) bool {
		var sym Symbol
		if uerr := json.Unmarshal(value, &sym); uerr != nil {
			logging.Get(logging.CategoryIndex).Warn("skipping unreadable symbol %s: %v", key, uerr)
			return true
		}
		idx.symbols[sym.ID] = sym
		idx.indexTokensLocked(sym)
		count++
		return true
	})
	if err != nil {
		return nil, err
	}

	logging.Index("LocalIndex opened for project %s (%d symbols)", projectID, count)
	return idx, nil
}

func (idx *LocalIndex) symbolKey(id string) []byte {
	return []byte(fmt.Sprintf("symbols:%s:%s", idx.project, id))
}

func (idx *LocalIndex) docKey(id string) []byte {
	return []byte(fmt.Sprintf("docs:%s:%s", idx.project, id))
}

// Upsert stores a symbol, replacing any previous version.
func (idx *LocalIndex) Upsert(ctx context.Context, sym Symbol) error {
	if sym.ID == "" {
		return fmt.Errorf("upsert: symbol id required")
	}
	sym.SchemaVersion = symbolSchemaVersion

	data, err := json.Marshal(sym)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	batch := store.NewBatch()
	batch.Put(idx.symbolKey(sym.ID), data)
	if sym.Doc != "" {
		batch.Put(idx.docKey(sym.ID), []byte(sym.Doc))
	}
	if err := idx.store.Apply(ctx, batch); err != nil {
		return err
	}

	idx.mu.Lock()
	if old, ok := idx.symbols[sym.ID]; ok {
		idx.removeTokensLocked(old)
	}
	idx.symbols[sym.ID] = sym
	idx.indexTokensLocked(sym)
	idx.mu.Unlock()

	if idx.embedder != nil {
		if vec, eerr := idx.embedder.Embed(ctx, sym.Name+" "+sym.Signature+" "+sym.Doc); eerr == nil {
			idx.vectors.upsert(sym.ID, vec)
		} else {
			logging.IndexDebug("embedding skipped for %s: %v", sym.ID, eerr)
		}
	}
	return nil
}

// Remove deletes a symbol from the index and the store.
func (idx *LocalIndex) Remove(ctx context.Context, id string) error {
	batch := store.NewBatch()
	batch.Delete(idx.symbolKey(id))
	batch.Delete(idx.docKey(id))
	if err := idx.store.Apply(ctx, batch); err != nil {
		return err
	}

	idx.mu.Lock()
	if old, ok := idx.symbols[id]; ok {
		idx.removeTokensLocked(old)
		delete(idx.symbols, id)
	}
	idx.mu.Unlock()
	idx.vectors.remove(id)
	return nil
}

// tokenize lowercases and splits on non-alphanumerics, splitting camelCase
// words so "FindSimilar" matches "similar".
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(r)
		case unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return tokens
}

func (idx *LocalIndex) indexTokensLocked(sym Symbol) {
	for _, tok := range tokenize(sym.Name + " " + sym.Signature + " " + sym.Doc + " " + sym.File) {
		m, ok := idx.inverted[tok]
		if !ok {
			m = make(map[string]int)
			idx.inverted[tok] = m
		}
		m[sym.ID]++
	}
}

func (idx *LocalIndex) removeTokensLocked(sym Symbol) {
	for _, tok := range tokenize(sym.Name + " " + sym.Signature + " " + sym.Doc + " " + sym.File) {
		if m, ok := idx.inverted[tok]; ok {
			delete(m, sym.ID)
			if len(m) == 0 {
				delete(idx.inverted, tok)
			}
		}
	}
}

// SearchSymbols implements Index.
func (idx *LocalIndex) SearchSymbols(ctx context.Context, query string, f Filters, detail DetailLevel, maxResults, maxTokens int) ([]Symbol, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "SearchSymbols")
	defer timer.Stop()

	if maxResults <= 0 {
		maxResults = 20
	}

	idx.mu.RLock()
	scores := make(map[string]float64)
	total := len(idx.symbols)
	for _, tok := range tokenize(query) {
		postings, ok := idx.inverted[tok]
		if !ok {
			continue
		}
		// tf * idf-lite: rare tokens weigh more.
		idf := 1.0
		if total > 0 {
			idf = 1.0 + float64(total)/float64(len(postings)+1)
		}
		for id, tf := range postings {
			scores[id] += float64(tf) * idf
		}
	}

	type scored struct {
		sym   Symbol
		score float64
	}
	candidates := make([]scored, 0, len(scores))
	for id, score := range scores {
		sym := idx.symbols[id]
		if f.Kind != "" && sym.Kind != f.Kind {
			continue
		}
		if f.PathPrefix != "" && !strings.HasPrefix(sym.File, f.PathPrefix) {
			continue
		}
		// Usage frequency nudges ties toward symbols callers actually touch.
		score += float64(sym.UsageFrequency) * 0.01
		candidates = append(candidates, scored{sym: sym, score: score})
	}
	idx.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].sym.ID < candidates[j].sym.ID
	})

	var out []Symbol
	budget := maxTokens
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return out, nil
		}
		if len(out) >= maxResults {
			break
		}
		filtered := ApplyDetailLevel(c.sym, detail)
		cost := symbolTokenCost(filtered)
		if maxTokens > 0 && cost > budget {
			continue
		}
		out = append(out, filtered)
		if maxTokens > 0 {
			budget -= cost
		}
	}
	return out, nil
}

// symbolTokenCost estimates the token cost of a detail-filtered symbol. The
// stored TokenCost covers the full body; filtered levels are charged for
// what they actually carry (~4 chars per token).
func symbolTokenCost(sym Symbol) int {
	if sym.Body != "" && sym.TokenCost > 0 {
		return sym.TokenCost
	}
	chars := len(sym.Name) + len(sym.Signature) + len(sym.Doc) + len(sym.File) + len(sym.Body) + 16
	return chars / 4
}

// GetDefinition implements Index.
func (idx *LocalIndex) GetDefinition(ctx context.Context, id string, opts DefinitionOptions) (Symbol, error) {
	idx.mu.RLock()
	sym, ok := idx.symbols[id]
	idx.mu.RUnlock()
	if !ok {
		return Symbol{}, fmt.Errorf("get definition %s: %w", id, store.ErrNotFound)
	}

	out := ApplyDetailLevel(sym, DetailInterface)
	if opts.IncludeBody {
		out.Body = sym.Body
		out.Complexity = sym.Complexity
		out.TokenCost = sym.TokenCost
		out.UsageFrequency = sym.UsageFrequency
	}
	if opts.IncludeReferences {
		out.References = sym.References
	}
	if opts.IncludeDependencies {
		out.Dependencies = sym.Dependencies
	}
	return out, nil
}

// FindReferences implements Index: reverse adjacency over the references
// lists.
func (idx *LocalIndex) FindReferences(ctx context.Context, id string) ([]Symbol, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	sym, ok := idx.symbols[id]
	if !ok {
		return nil, fmt.Errorf("find references %s: %w", id, store.ErrNotFound)
	}
	out := make([]Symbol, 0, len(sym.References))
	for _, ref := range sym.References {
		if s, ok := idx.symbols[ref]; ok {
			out = append(out, ApplyDetailLevel(s, DetailInterface))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindSimilar implements Index. Without an embedding engine it degrades to
// lexical scoring over symbol text.
func (idx *LocalIndex) FindSimilar(ctx context.Context, text string, k int) ([]SimilarResult, error) {
	if k <= 0 {
		k = 10
	}

	if idx.embedder != nil && idx.vectors.size() > 0 {
		query, err := idx.embedder.Embed(ctx, text)
		if err == nil {
			return idx.vectors.search(query, k), nil
		}
		logging.IndexDebug("vector search degraded to lexical: %v", err)
	}

	syms, err := idx.SearchSymbols(ctx, text, Filters{}, DetailSkeleton, k, 0)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarResult, 0, len(syms))
	for i, s := range syms {
		out = append(out, SimilarResult{ID: s.ID, Similarity: 1.0 / float64(i+1)})
	}
	return out, nil
}

// Resolve implements Index.
func (idx *LocalIndex) Resolve(ctx context.Context, id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.symbols[id]
	return ok
}

// Count returns the number of indexed symbols.
func (idx *LocalIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.symbols)
}
