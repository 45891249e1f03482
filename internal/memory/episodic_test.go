package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openEpisodic(t *testing.T, s *store.Store) *Episodic {
	t.Helper()
	e, err := NewEpisodic(context.Background(), s, EpisodicConfig{RetentionDays: 30}, nil)
	require.NoError(t, err)
	return e
}

func episode(desc string, outcome Outcome, symbols ...string) Episode {
	return Episode{
		TaskDescription: desc,
		Outcome:         outcome,
		SymbolsUsed:     symbols,
		FilesAccessed:   []string{"a.go"},
		SolutionPath:    []string{"search", "edit", "test"},
		Duration:        time.Minute,
		TokensUsed:      500,
	}
}

func TestRecordAndFindSimilar(t *testing.T) {
	s := openTestStore(t)
	e := openEpisodic(t, s)
	ctx := context.Background()

	_, err := e.Record(ctx, episode("fix parser panic on empty input", OutcomeSuccess, "Parse"))
	require.NoError(t, err)
	_, err = e.Record(ctx, episode("add parser support for comments", OutcomeSuccess, "Parse"))
	require.NoError(t, err)
	_, err = e.Record(ctx, episode("update docs index", OutcomePartial, "Docs"))
	require.NoError(t, err)

	got, err := e.FindSimilar(ctx, "parser crash empty file", 5, SimilarFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Contains(t, got[0].Episode.TaskDescription, "parser")

	// Reopen: episodes persist.
	e2 := openEpisodic(t, s)
	require.Equal(t, 3, e2.Count())
}

func TestRecordValidatesInput(t *testing.T) {
	e := openEpisodic(t, openTestStore(t))
	ctx := context.Background()

	_, err := e.Record(ctx, Episode{Outcome: OutcomeSuccess})
	require.Error(t, err)

	_, err = e.Record(ctx, Episode{TaskDescription: "x", Outcome: "bogus"})
	require.Error(t, err)
}

func TestAccessCountMonotonic(t *testing.T) {
	e := openEpisodic(t, openTestStore(t))
	ctx := context.Background()

	ep, err := e.Record(ctx, episode("do thing", OutcomeSuccess))
	require.NoError(t, err)

	last := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, e.IncrementAccess(ctx, ep.ID))
		got, gerr := e.Get(ctx, ep.ID)
		require.NoError(t, gerr)
		require.Greater(t, got.AccessCount, last)
		last = got.AccessCount
	}
}

func TestConsolidateDropsStaleAndClusters(t *testing.T) {
	e := openEpisodic(t, openTestStore(t))
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale, worthless, never accessed.
	old := episode("one off chore", OutcomeFailure)
	old.CreatedAt = now.AddDate(0, 0, -60)
	_, err := e.Record(ctx, old)
	require.NoError(t, err)

	// Recurring shape, fresh.
	for i := 0; i < 3; i++ {
		_, err := e.Record(ctx, episode("refactor session manager locking", OutcomeSuccess, fmt.Sprintf("Sym%d", i)))
		require.NoError(t, err)
	}

	clusters, err := e.Consolidate(ctx, now, 3)
	require.NoError(t, err)
	require.Equal(t, 3, e.Count(), "stale episode dropped")
	require.Len(t, clusters, 1)
	require.Len(t, clusters[0].Episodes, 3)
}

func TestPromotionThresholds(t *testing.T) {
	s := openTestStore(t)
	sem, err := NewSemantic(context.Background(), s, SemanticConfig{MinRecurrence: 3, MinSuccessRate: 0.66})
	require.NoError(t, err)
	ctx := context.Background()

	// Two successes: below N_promote.
	small := Cluster{Shape: "a|b", Episodes: []Episode{
		{ID: "1", Outcome: OutcomeSuccess}, {ID: "2", Outcome: OutcomeSuccess},
	}}
	_, ok, err := sem.Promote(ctx, small)
	require.NoError(t, err)
	require.False(t, ok)

	// Three successes out of five: rate 0.6 < 0.66.
	mixed := Cluster{Shape: "c|d", Episodes: []Episode{
		{ID: "1", Outcome: OutcomeSuccess}, {ID: "2", Outcome: OutcomeSuccess},
		{ID: "3", Outcome: OutcomeSuccess}, {ID: "4", Outcome: OutcomeFailure},
		{ID: "5", Outcome: OutcomeFailure},
	}}
	_, ok, err = sem.Promote(ctx, mixed)
	require.NoError(t, err)
	require.False(t, ok)

	// Three of four successes: promoted, with at least N_promote success
	// examples.
	good := Cluster{Shape: "e|f", Episodes: []Episode{
		{ID: "1", Outcome: OutcomeSuccess, SymbolsUsed: []string{"A", "B"}},
		{ID: "2", Outcome: OutcomeSuccess, SymbolsUsed: []string{"B", "C"}},
		{ID: "3", Outcome: OutcomeSuccess},
		{ID: "4", Outcome: OutcomeFailure},
	}}
	p, ok, err := sem.Promote(ctx, good)
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(p.ExampleEpisodeIDs), 3)
	require.InDelta(t, 0.75, p.SuccessRate, 1e-9)

	// Concept path across the promoted edges.
	path := sem.ConceptPath("A", "C")
	require.Equal(t, []string{"A", "B", "C"}, path)
}

func TestProceduralLearnAndPredict(t *testing.T) {
	s := openTestStore(t)
	p, err := NewProcedural(context.Background(), s)
	require.NoError(t, err)
	ctx := context.Background()

	eps := []Episode{
		{ID: "1", Outcome: OutcomeSuccess, SolutionPath: []string{"search", "edit", "test"}},
		{ID: "2", Outcome: OutcomeSuccess, SolutionPath: []string{"search", "edit", "test"}},
		{ID: "3", Outcome: OutcomeSuccess, SolutionPath: []string{"search", "edit", "commit"}},
		{ID: "4", Outcome: OutcomeFailure, SolutionPath: []string{"guess", "edit"}},
	}
	proc, err := p.LearnFromSuccesses(ctx, "fix|bug", eps)
	require.NoError(t, err)
	require.Len(t, proc.Steps, 3)
	require.Equal(t, "search", proc.Steps[0].Action)
	require.Equal(t, "edit", proc.Steps[1].Action)
	require.Contains(t, proc.Pitfalls, "guess")

	action, confidence := p.PredictNextAction([]string{"search"}, "fix|bug")
	require.Equal(t, "edit", action)
	require.Greater(t, confidence, 0.0)

	action, _ = p.PredictNextAction(nil, "fix|bug")
	require.Equal(t, "search", action)

	_, confidence = p.PredictNextAction([]string{"unknown"}, "fix|bug")
	require.Zero(t, confidence)
}
