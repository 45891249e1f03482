package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	mcontext "meridian/internal/context"
	"meridian/internal/index"
	"meridian/internal/links"
	"meridian/internal/memory"
	"meridian/internal/progress"
	"meridian/internal/session"
)

func openEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Memory.ConsolidationInterval = config.Duration(1 << 40) // keep loops quiet in tests
	cfg.Metrics.SnapshotInterval = config.Duration(1 << 40)

	e, err := New(context.Background(), Options{DataDir: dir, Mode: ModeLegacy, Config: &cfg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func seedSymbols(t *testing.T, e *Engine, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, e.Index().Upsert(ctx, index.Symbol{
			ID:        fmt.Sprintf("sym%d", i),
			Name:      fmt.Sprintf("CacheWarmup%d", i),
			Kind:      "function",
			Signature: fmt.Sprintf("func CacheWarmup%d(ctx context.Context) error", i),
			File:      "internal/cache/warmup.go",
			Doc:       "CacheWarmup fills the cache before serving.",
			Body:      "for i := range entries {\n\tload(i)\n}\nreturn nil",
			TokenCost: 120,
		}))
	}
}

func TestEndToEndBudgetedRetrieval(t *testing.T) {
	e := openEngine(t)
	seedSymbols(t, e, 40)
	ctx := context.Background()

	out, err := e.Retrieve(ctx, "cache warmup", 1000)
	require.NoError(t, err)
	require.LessOrEqual(t, out.TotalTokens, 1000)
	require.GreaterOrEqual(t, out.QualityScore, 0.5)

	symbols := 0
	for _, f := range out.Fragments {
		if f.Kind == mcontext.FragmentSymbol {
			symbols++
		}
	}
	require.LessOrEqual(t, symbols, 8)

	// Served symbols gained attention.
	stats := e.GetStatistics(ctx)
	require.Greater(t, stats.WorkingEntries, 0)
}

func TestEndToEndSessionCommitAndEpisode(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()

	sess, err := e.SessionBegin(ctx, "wire cache warmup into startup", nil)
	require.NoError(t, err)
	require.NoError(t, e.SessionUpdate(ctx, sess.ID, "/cmd/boot.go", []byte("warmup()"), false))

	task, err := e.CreateTask(ctx, progress.Task{Title: "wire cache warmup", Priority: progress.PriorityHigh, SessionID: sess.ID})
	require.NoError(t, err)
	_, err = e.TransitionTask(ctx, task.ID, progress.StatusInProgress, "")
	require.NoError(t, err)

	done, err := e.MarkTaskComplete(ctx, task.ID, "called warmup from boot")
	require.NoError(t, err)
	require.Equal(t, progress.StatusDone, done.Status)

	// The completion produced an episode carrying the session footprint.
	similar, err := e.FindSimilarEpisodes(ctx, "wire cache warmup", 3, memory.SimilarFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, similar)
	require.Contains(t, similar[0].Episode.FilesAccessed, "/cmd/boot.go")

	require.NoError(t, e.SessionComplete(ctx, sess.ID, session.ActionCommit))
}

func TestEndToEndLinkValidation(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index().Upsert(ctx, index.Symbol{ID: "Y", Name: "Y", Kind: "function", Signature: "func Y()"}))

	specSide := links.Endpoint{Level: links.LevelSpec, EntityID: "X"}
	codeSide := links.Endpoint{Level: links.LevelCode, EntityID: "Y"}

	l, err := e.AddLink(ctx, specSide, codeSide, links.TypeImplements, 0.9, "manual")
	require.NoError(t, err)

	// Delete symbol Y: validation degrades the link to broken.
	require.NoError(t, e.Index().Remove(ctx, "Y"))
	validated, err := e.ValidateLinks(ctx, specSide)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	require.Equal(t, links.HealthBroken, validated[0].Health)
	require.Equal(t, l.ID, validated[0].ID)

	orphans := e.FindOrphans(links.OrphanUnimplemented)
	require.Contains(t, orphans, specSide)

	health := e.LinkHealth()
	require.Equal(t, 1, health.Broken)
}

func TestEngineRefusesDoubleOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Memory.ConsolidationInterval = config.Duration(1 << 40)
	cfg.Metrics.SnapshotInterval = config.Duration(1 << 40)

	e, err := New(context.Background(), Options{DataDir: dir, Config: &cfg})
	require.NoError(t, err)
	defer e.Close()

	_, err = New(context.Background(), Options{DataDir: dir, Config: &cfg})
	require.Error(t, err, "the store lock is the single source of mutual exclusion")
}

func TestGlobalModeDegradesToLocalCache(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Memory.ConsolidationInterval = config.Duration(1 << 40)
	cfg.Metrics.SnapshotInterval = config.Duration(1 << 40)
	// An unreachable server: every call exhausts retries and falls through.
	cfg.Global.ServerURL = "http://127.0.0.1:1"
	cfg.Global.MaxRetries = 1
	cfg.Global.BackoffBase = config.Duration(1)
	cfg.Global.RequestTimeout = config.Duration(200 * 1e6)

	e, err := New(context.Background(), Options{DataDir: dir, Mode: ModeGlobal, Config: &cfg})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.Index().Upsert(ctx, index.Symbol{
		ID: "local1", Name: "LocalFallback", Kind: "function",
		Signature: "func LocalFallback()", File: "fallback.go",
	}))

	syms, err := e.SearchSymbols(ctx, "local fallback", index.Filters{}, index.DetailSkeleton, 10, 0)
	require.NoError(t, err, "global mode must stay functional offline")
	require.Len(t, syms, 1)
	require.Equal(t, "local1", syms[0].ID)
}

func TestStatisticsAndPatternAnalysis(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RecordEpisode(ctx, memory.Episode{
			TaskDescription: "optimize compaction throughput",
			Outcome:         memory.OutcomeSuccess,
			SolutionPath:    []string{"profile", "tune", "verify"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, e.Consolidate(ctx))

	stats := e.GetStatistics(ctx)
	require.Equal(t, 3, stats.Episodes)
	require.Equal(t, 1, stats.Patterns)
	require.Equal(t, 1, stats.Procedures)

	matches, err := e.AnalyzePatterns(ctx, 1<<40)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
}
