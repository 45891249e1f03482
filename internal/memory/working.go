package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"meridian/internal/index"
	"meridian/internal/logging"
)

// WorkingConfig parameterises the working set.
type WorkingConfig struct {
	// CapacityTokens bounds the total token cost of cached entries.
	CapacityTokens int

	// HalfLife is the attention half-life in interactions.
	HalfLife float64

	// Floor: entries at or below this weight are always preferred for
	// eviction.
	Floor float64
}

// Working is the attention-weighted in-process cache of currently salient
// symbols. It owns only state derived from other tiers and can be rebuilt
// from them.
type Working struct {
	mu      sync.RWMutex
	cfg     WorkingConfig
	entries map[string]*WorkingEntry
	tokens  int

	// interactions is the decay clock; Tick advances it once per
	// interaction.
	interactions int64

	// evictSem serialises evictions.
	evictSem *semaphore.Weighted
}

// NewWorking creates an empty working set.
func NewWorking(cfg WorkingConfig) *Working {
	if cfg.CapacityTokens <= 0 {
		cfg.CapacityTokens = 2_500_000
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 1.0
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 0.05
	}
	return &Working{
		cfg:      cfg,
		entries:  make(map[string]*WorkingEntry),
		evictSem: semaphore.NewWeighted(1),
	}
}

// Tick advances the decay clock by one interaction.
func (w *Working) Tick() {
	w.mu.Lock()
	w.interactions++
	w.mu.Unlock()
}

// decayedWeight applies exponential decay since the entry's last access.
func (w *Working) decayedWeight(e *WorkingEntry) float64 {
	age := float64(w.interactions - e.accessedAt)
	if age <= 0 {
		return e.AttentionWeight
	}
	return e.AttentionWeight * math.Pow(0.5, age/w.cfg.HalfLife)
}

// Update adds attention to a symbol, inserting it when absent. Any access
// resets the entry's decay clock. The set is evicted back to capacity
// before returning, so the capacity invariant holds across any sequence of
// updates.
func (w *Working) Update(ctx context.Context, sym index.Symbol, attentionDelta float64) error {
	if sym.ID == "" {
		return fmt.Errorf("working update: symbol id required")
	}
	cost := sym.TokenCost
	if cost <= 0 {
		cost = (len(sym.Name) + len(sym.Signature) + len(sym.Body)) / 4
		if cost == 0 {
			cost = 1
		}
	}
	if cost > w.cfg.CapacityTokens {
		return fmt.Errorf("working update: symbol %s cost %d exceeds capacity %d", sym.ID, cost, w.cfg.CapacityTokens)
	}

	w.mu.Lock()
	e, ok := w.entries[sym.ID]
	if !ok {
		e = &WorkingEntry{SymbolID: sym.ID, Cached: sym, TokenCost: cost}
		w.entries[sym.ID] = e
		w.tokens += cost
	} else {
		w.tokens += cost - e.TokenCost
		e.Cached = sym
		e.TokenCost = cost
	}

	// Decay first, then add; the access resets the clock.
	weight := w.decayedWeight(e) + attentionDelta
	if weight > 1 {
		weight = 1
	}
	if weight <= 0 {
		weight = math.SmallestNonzeroFloat64
	}
	e.AttentionWeight = weight
	e.LastAccessed = time.Now()
	e.accessedAt = w.interactions
	over := w.tokens > w.cfg.CapacityTokens
	w.mu.Unlock()

	if over {
		return w.EvictToCapacity(ctx)
	}
	return nil
}

// Touch bumps an entry's recency without changing attention mass.
func (w *Working) Touch(id string) {
	w.mu.Lock()
	if e, ok := w.entries[id]; ok {
		e.AttentionWeight = w.decayedWeight(e)
		e.LastAccessed = time.Now()
		e.accessedAt = w.interactions
	}
	w.mu.Unlock()
}

// SetPredictedNext records the predicted next-access probability used by
// the prefetch queue and the context pipeline's utility term.
func (w *Working) SetPredictedNext(id string, probability float64) {
	w.mu.Lock()
	if e, ok := w.entries[id]; ok {
		e.PredictedNext = probability
	}
	w.mu.Unlock()
}

// EvictToCapacity evicts entries until total token cost fits capacity.
// Below-floor entries go first; the rest leave in order of worst
// attention_weight × 1/token_cost.
func (w *Working) EvictToCapacity(ctx context.Context) error {
	if err := w.evictSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.evictSem.Release(1)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tokens <= w.cfg.CapacityTokens {
		return nil
	}

	type candidate struct {
		id         string
		cost       int
		weight     float64
		belowFloor bool
		last       time.Time
	}
	candidates := make([]candidate, 0, len(w.entries))
	for id, e := range w.entries {
		weight := w.decayedWeight(e)
		candidates = append(candidates, candidate{
			id:         id,
			cost:       e.TokenCost,
			weight:     weight,
			belowFloor: weight <= w.cfg.Floor,
			last:       e.LastAccessed,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.belowFloor != b.belowFloor {
			return a.belowFloor
		}
		av := a.weight / float64(a.cost)
		bv := b.weight / float64(b.cost)
		if av != bv {
			return av < bv
		}
		return a.last.Before(b.last)
	})

	evicted := 0
	for _, c := range candidates {
		if w.tokens <= w.cfg.CapacityTokens {
			break
		}
		delete(w.entries, c.id)
		w.tokens -= c.cost
		evicted++
	}
	logging.WorkingDebug("Evicted %d entries (tokens=%d, capacity=%d)", evicted, w.tokens, w.cfg.CapacityTokens)
	return nil
}

// Get returns a copy of an entry with its current decayed weight.
func (w *Working) Get(id string) (WorkingEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[id]
	if !ok {
		return WorkingEntry{}, false
	}
	out := *e
	out.AttentionWeight = w.decayedWeight(e)
	return out, true
}

// Hot returns entries ordered by decayed attention, strongest first.
func (w *Working) Hot(limit int) []WorkingEntry {
	w.mu.RLock()
	out := make([]WorkingEntry, 0, len(w.entries))
	for _, e := range w.entries {
		copied := *e
		copied.AttentionWeight = w.decayedWeight(e)
		out = append(out, copied)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AttentionWeight != out[j].AttentionWeight {
			return out[i].AttentionWeight > out[j].AttentionWeight
		}
		return out[i].SymbolID < out[j].SymbolID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PrefetchQueue returns symbol ids ordered by predicted next-access
// probability, most likely first.
func (w *Working) PrefetchQueue() []string {
	entries := w.Hot(0)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PredictedNext != entries[j].PredictedNext {
			return entries[i].PredictedNext > entries[j].PredictedNext
		}
		return entries[i].SymbolID < entries[j].SymbolID
	})
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.PredictedNext <= 0 {
			break
		}
		out = append(out, e.SymbolID)
	}
	return out
}

// Snapshot renders a compact textual representation of the hottest entries.
func (w *Working) Snapshot(limit int) string {
	if limit <= 0 {
		limit = 10
	}
	var b strings.Builder
	for _, e := range w.Hot(limit) {
		fmt.Fprintf(&b, "%s %s (%.2f)\n", e.Cached.Kind, e.Cached.Name, e.AttentionWeight)
	}
	return b.String()
}

// Tokens returns the current total token cost.
func (w *Working) Tokens() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tokens
}

// Capacity returns the configured capacity in tokens.
func (w *Working) Capacity() int { return w.cfg.CapacityTokens }

// Len returns the number of cached entries.
func (w *Working) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
