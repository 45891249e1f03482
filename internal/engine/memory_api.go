package engine

import (
	"context"
	"time"

	"meridian/internal/index"
	"meridian/internal/memory"
)

// =============================================================================
// memory.* operations
// =============================================================================

// RecordEpisode persists a completed task's episode.
func (e *Engine) RecordEpisode(ctx context.Context, ep memory.Episode) (memory.Episode, error) {
	start := time.Now()
	out, err := e.episodic.Record(ctx, ep)
	e.observe("memory.record_episode", start, err, out.TokensUsed)
	return out, err
}

// FindSimilarEpisodes ranks past episodes against a task description.
func (e *Engine) FindSimilarEpisodes(ctx context.Context, taskText string, k int, f memory.SimilarFilters) ([]memory.SimilarEpisode, error) {
	start := time.Now()
	out, err := e.episodic.FindSimilar(ctx, taskText, k, f)
	e.observe("memory.find_similar_episodes", start, err, 0)
	return out, err
}

// UpdateWorkingSet adds attention to a symbol in working memory.
func (e *Engine) UpdateWorkingSet(ctx context.Context, sym index.Symbol, attentionDelta float64) error {
	start := time.Now()
	err := e.working.Update(ctx, sym, attentionDelta)
	e.observe("memory.update_working_set", start, err, sym.TokenCost)
	return err
}

// WorkingSnapshot renders the compact working-set representation.
func (e *Engine) WorkingSnapshot(limit int) string {
	return e.working.Snapshot(limit)
}

// PrefetchQueue returns the symbols predicted to be accessed next.
func (e *Engine) PrefetchQueue() []string {
	return e.working.PrefetchQueue()
}

// GetStatistics reports tier counts and working-memory utilisation, also
// refreshing the exported gauges.
func (e *Engine) GetStatistics(ctx context.Context) memory.Stats {
	stats := memory.Stats{
		Episodes:        e.episodic.Count(),
		Patterns:        e.semantic.Count(),
		Procedures:      e.procedural.Count(),
		WorkingEntries:  e.working.Len(),
		WorkingTokens:   e.working.Tokens(),
		WorkingCapacity: e.working.Capacity(),
	}
	if stats.WorkingCapacity > 0 {
		stats.WorkingUtilisation = float64(stats.WorkingTokens) / float64(stats.WorkingCapacity)
	}
	e.collector.SetGauge("episodes", float64(stats.Episodes))
	e.collector.SetGauge("patterns", float64(stats.Patterns))
	e.collector.SetGauge("procedures", float64(stats.Procedures))
	e.collector.SetGauge("working_memory_utilisation", stats.WorkingUtilisation)
	e.collector.SetGauge("link_health_ratio", e.graph.Health().Ratio)
	return stats
}

// Consolidate runs one consolidation cycle immediately (the background
// loop runs the same cycle on its cadence).
func (e *Engine) Consolidate(ctx context.Context) error {
	start := time.Now()
	err := e.consolidator.RunOnce(ctx, time.Now())
	e.observe("memory.consolidate", start, err, 0)
	return err
}

// =============================================================================
// attention.* operations
// =============================================================================

// AnalyzePatterns reports the semantic patterns matching recent activity
// within the window.
func (e *Engine) AnalyzePatterns(ctx context.Context, window time.Duration) ([]memory.PatternMatch, error) {
	start := time.Now()
	recent := e.episodic.Recent(time.Now().Add(-window), 50)

	var out []memory.PatternMatch
	seen := make(map[string]struct{})
	for _, ep := range recent {
		if err := ctx.Err(); err != nil {
			break
		}
		for _, match := range e.semantic.MatchPatterns(ep.TaskDescription) {
			if _, dup := seen[match.Pattern.ID]; dup {
				continue
			}
			seen[match.Pattern.ID] = struct{}{}
			out = append(out, match)
		}
	}
	e.observe("attention.analyze_patterns", start, nil, 0)
	return out, nil
}
