package context

import (
	stdctx "context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"meridian/internal/config"
	"meridian/internal/index"
	"meridian/internal/logging"
	"meridian/internal/memory"
)

// UnboundedBudget marks a request with no effective token limit: every
// candidate is included uncompressed up to indexer limits.
const UnboundedBudget = math.MaxInt32

// attentionReward is the working-set bump granted to every symbol that makes
// it into a prepared context.
const attentionReward = 0.2

// Pipeline assembles PreparedContexts from working memory, episodic memory
// and the indexer surface.
type Pipeline struct {
	cfg      config.ContextConfig
	counter  *TokenCounter
	working  *memory.Working
	episodic *memory.Episodic
	idx      index.Index
}

// NewPipeline wires the pipeline's inputs.
func NewPipeline(cfg config.ContextConfig, working *memory.Working, episodic *memory.Episodic, idx index.Index) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		counter:  NewTokenCounter(),
		working:  working,
		episodic: episodic,
		idx:      idx,
	}
}

// candidate is one scored retrieval candidate before packing.
type candidate struct {
	symbol     index.Symbol
	attention  float64
	recency    float64
	similarity float64
	predicted  float64
	score      float64
}

// PrepareAdaptive produces a PreparedContext for the task under the budget.
// Budget 0 yields an empty context; a negative budget is invalid input.
// Cancellation is cooperative: a cancelled retrieval returns the partial
// result flagged Truncated, never an error.
func (p *Pipeline) PrepareAdaptive(ctx stdctx.Context, task string, maxTokens int) (PreparedContext, error) {
	timer := logging.StartTimer(logging.CategoryContext, "PrepareAdaptive")
	defer timer.Stop()

	if maxTokens < 0 {
		return PreparedContext{}, fmt.Errorf("%w: budget must be non-negative", ErrInvalidInput)
	}
	if strings.TrimSpace(task) == "" {
		return PreparedContext{}, fmt.Errorf("%w: task required", ErrInvalidInput)
	}

	regime := RegimeFor(maxTokens)
	if maxTokens >= UnboundedBudget {
		regime = Regime{Name: "unbounded", Strategy: StrategyNone, DetailLevel: index.DetailFull}
	}

	out := PreparedContext{
		MaxTokens:   maxTokens,
		Strategy:    regime.Strategy,
		DetailLevel: regime.DetailLevel,
		GeneratedAt: time.Now().UTC(),
	}
	if maxTokens == 0 {
		return out, nil
	}

	p.working.Tick()

	candidates, skipped, truncated := p.gather(ctx, task, regime, maxTokens)
	out.SkippedSymbols = skipped
	out.Truncated = truncated

	p.score(candidates)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].symbol.ID < candidates[j].symbol.ID
	})

	if !out.Truncated {
		truncated = p.pack(ctx, candidates, regime, maxTokens, &out)
		out.Truncated = out.Truncated || truncated
	}

	if len(out.Fragments) == 0 && len(candidates) > 0 && !out.Truncated {
		// Nothing fit without dropping below the quality floor.
		return out, fmt.Errorf("%w: %d candidates, none fit %d tokens above quality floor %.2f",
			ErrBudgetExceeded, len(candidates), maxTokens, p.cfg.CompressionQualityFloor)
	}

	out.Fragments = Defragment(out.Fragments, maxTokens-out.TotalTokens)
	out.TotalTokens = sumTokens(out.Fragments)
	out.QualityScore = overallQuality(out.Fragments)

	// Attention updates bias future retrievals toward what was served.
	for _, f := range out.Fragments {
		if f.Kind == FragmentSymbol && f.SymbolID != "" {
			if err := p.working.Update(ctx, symbolByID(candidates, f.SymbolID), attentionReward); err != nil {
				logging.ContextDebug("attention update skipped for %s: %v", f.SymbolID, err)
			}
		}
	}

	logging.Context("Prepared context: %d fragments, %d/%d tokens, strategy=%s, quality=%.2f, truncated=%v",
		len(out.Fragments), out.TotalTokens, maxTokens, out.Strategy, out.QualityScore, out.Truncated)
	return out, nil
}

// gather runs the retrieval sequence: working-memory hot entries, similar
// episodes, then the indexer. Cooperative cancellation between stages and
// candidates returns what was collected so far with truncated=true.
func (p *Pipeline) gather(ctx stdctx.Context, task string, regime Regime, maxTokens int) (out []*candidate, skipped []string, truncated bool) {
	if ctx.Err() != nil {
		return nil, nil, true
	}
	overfetch := p.cfg.CandidateOverfetch
	if overfetch <= 0 {
		overfetch = 4
	}
	maxResults := 8 * overfetch

	byID := make(map[string]*candidate)
	add := func(sym index.Symbol) *candidate {
		if c, ok := byID[sym.ID]; ok {
			return c
		}
		c := &candidate{symbol: sym}
		byID[sym.ID] = c
		out = append(out, c)
		return c
	}

	// (i) Working memory hot entries.
	for _, e := range p.working.Hot(maxResults) {
		if ctx.Err() != nil {
			return out, skipped, true
		}
		c := add(e.Cached)
		c.attention = e.AttentionWeight
		c.predicted = e.PredictedNext
		c.recency = recencyScore(e.LastAccessed)
	}

	// (ii) Similar episodes contribute the symbols they touched.
	similar, err := p.episodic.FindSimilar(ctx, task, 5, memory.SimilarFilters{})
	if err != nil {
		logging.ContextDebug("episodic lookup skipped: %v", err)
	}
	for _, se := range similar {
		if ctx.Err() != nil {
			return out, skipped, true
		}
		if ierr := p.episodic.IncrementAccess(ctx, se.Episode.ID); ierr != nil {
			logging.ContextDebug("episode access bump failed: %v", ierr)
		}
		for _, symID := range se.Episode.SymbolsUsed {
			if c, ok := byID[symID]; ok {
				if se.Score > c.similarity {
					c.similarity = se.Score
				}
				continue
			}
			sym, derr := p.idx.GetDefinition(ctx, symID, index.DefinitionOptions{IncludeBody: true})
			if derr != nil {
				// Missing individual symbols never fail the request.
				skipped = append(skipped, symID)
				continue
			}
			c := add(sym)
			c.similarity = se.Score
			c.recency = recencyScore(se.Episode.CreatedAt)
		}
	}

	// (iii) Indexer query under the regime's detail level.
	syms, err := p.idx.SearchSymbols(ctx, task, index.Filters{}, regime.DetailLevel, maxResults, 0)
	if err != nil {
		logging.ContextDebug("index search skipped: %v", err)
	}
	for rank, sym := range syms {
		if ctx.Err() != nil {
			return out, skipped, true
		}
		// Filtered detail levels drop the stored token cost; packing charges it.
		if sym.TokenCost == 0 {
			if full, derr := p.idx.GetDefinition(ctx, sym.ID, index.DefinitionOptions{IncludeBody: true}); derr == nil {
				sym.TokenCost = full.TokenCost
			}
		}
		c := add(sym)
		sim := 1.0 / float64(rank+1)
		if sim > c.similarity {
			c.similarity = sim
		}
	}
	return out, skipped, false
}

// score applies the configured blend to every candidate.
func (p *Pipeline) score(candidates []*candidate) {
	co := p.cfg.BudgetSplitCoefficients
	sum := co.Sum()
	if sum <= 0 {
		co = config.DefaultContextConfig().BudgetSplitCoefficients
		sum = co.Sum()
	}
	for _, c := range candidates {
		c.score = (co.Attention*c.attention +
			co.Recency*c.recency +
			co.Similarity*c.similarity +
			co.PredictedUtility*c.predicted) / sum
	}
}

// pack fills the budget greedily, highest score first, by raw token cost
// until the next candidate would exceed it, then switches to compression:
// the packed set is compressed with the regime strategy inside the residual
// budget. Returns whether packing was cut short by cancellation.
func (p *Pipeline) pack(ctx stdctx.Context, candidates []*candidate, regime Regime, maxTokens int, out *PreparedContext) bool {
	residual := maxTokens
	for _, c := range candidates {
		if ctx.Err() != nil {
			return true
		}
		frag := p.fragmentFor(c, regime)
		cost := frag.Tokens
		if c.symbol.TokenCost > cost {
			cost = c.symbol.TokenCost
		}
		if cost > residual {
			break
		}
		frag.Tokens = cost
		out.Fragments = append(out.Fragments, frag)
		out.TotalTokens += cost
		residual -= cost
	}

	// Compression pass over the packed set.
	if regime.Strategy.Kind != KindNone {
		for i, frag := range out.Fragments {
			if ctx.Err() != nil {
				return true
			}
			compressed := Compress(frag, regime.Strategy)
			if compressed.QualityScore >= p.cfg.CompressionQualityFloor && compressed.Tokens < frag.Tokens {
				out.TotalTokens += compressed.Tokens - frag.Tokens
				out.Fragments[i] = compressed
			}
		}
	}

	// Nothing fit raw: widen through the strategy ladder for the best
	// candidate before giving up.
	if len(out.Fragments) == 0 && len(candidates) > 0 {
		frag := p.fragmentFor(candidates[0], regime)
		strategy := regime.Strategy
		if strategy.Kind == KindNone {
			strategy = StrategyRemoveWhitespace
		}
		for {
			if ctx.Err() != nil {
				return true
			}
			compressed := Compress(frag, strategy)
			if compressed.QualityScore < p.cfg.CompressionQualityFloor {
				break
			}
			if compressed.Tokens <= maxTokens {
				out.Fragments = append(out.Fragments, compressed)
				out.TotalTokens += compressed.Tokens
				break
			}
			next, ok := strategy.widen()
			if !ok {
				break
			}
			strategy = next
		}
	}
	return false
}

// fragmentFor renders a candidate symbol at the regime's detail level.
func (p *Pipeline) fragmentFor(c *candidate, regime Regime) Fragment {
	sym := index.ApplyDetailLevel(c.symbol, regime.DetailLevel)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", sym.Kind, sym.Signature)
	if sym.File != "" {
		fmt.Fprintf(&b, "\n// %s:%d", sym.File, sym.StartLine)
	}
	if sym.Doc != "" {
		fmt.Fprintf(&b, "\n%s", sym.Doc)
	}
	if sym.Body != "" {
		fmt.Fprintf(&b, "\n%s", sym.Body)
	}

	frag := Fragment{
		ID:           "sym-" + sym.ID,
		Kind:         FragmentSymbol,
		SymbolID:     sym.ID,
		Text:         b.String(),
		Score:        c.score,
		Strategy:     StrategyNone,
		QualityScore: 1,
	}
	frag.Tokens = p.counter.CountFragment(frag)
	return frag
}

// CompressFragment exposes single-fragment compression on the engine
// surface, recording strategy and score like the pipeline does.
func (p *Pipeline) CompressFragment(f Fragment, s Strategy) Fragment {
	out := Compress(f, s)
	out.Tokens = p.counter.CountFragment(out)
	return out
}

func recencyScore(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	hours := time.Since(t).Hours()
	if hours < 0 {
		hours = 0
	}
	return 1.0 / (1.0 + hours)
}

func overallQuality(fragments []Fragment) float64 {
	if len(fragments) == 0 {
		return 1
	}
	totalTokens := 0
	weighted := 0.0
	for _, f := range fragments {
		if f.Kind == FragmentBridge {
			continue
		}
		totalTokens += f.Tokens
		weighted += f.QualityScore * float64(f.Tokens)
	}
	if totalTokens == 0 {
		return 1
	}
	return weighted / float64(totalTokens)
}

func sumTokens(fragments []Fragment) int {
	total := 0
	for _, f := range fragments {
		total += f.Tokens
	}
	return total
}

func symbolByID(candidates []*candidate, id string) index.Symbol {
	for _, c := range candidates {
		if c.symbol.ID == id {
			return c.symbol
		}
	}
	return index.Symbol{ID: id}
}
