package context

import (
	stdctx "context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/index"
	"meridian/internal/memory"
	"meridian/internal/store"
)

func testPipeline(t *testing.T, symbols int) (*Pipeline, *memory.Episodic, *index.LocalIndex) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := stdctx.Background()
	idx, err := index.NewLocalIndex(ctx, s, "p", nil)
	require.NoError(t, err)

	body := strings.Repeat("x := compute(y)\n", 28)
	for i := 0; i < symbols; i++ {
		sym := index.Symbol{
			ID:        fmt.Sprintf("s%d", i),
			Name:      fmt.Sprintf("RetrievalHelper%d", i),
			Kind:      "function",
			Signature: fmt.Sprintf("func RetrievalHelper%d() error", i),
			File:      "internal/retrieval/helper.go",
			Doc:       "RetrievalHelper prepares retrieval state.",
			Body:      body,
			TokenCost: 120,
		}
		require.NoError(t, idx.Upsert(ctx, sym))
	}

	epi, err := memory.NewEpisodic(ctx, s, memory.EpisodicConfig{}, nil)
	require.NoError(t, err)

	working := memory.NewWorking(memory.WorkingConfig{CapacityTokens: 100000})
	p := NewPipeline(config.DefaultContextConfig(), working, epi, idx)
	return p, epi, idx
}

func TestBudgetedRetrievalScenario(t *testing.T) {
	p, _, _ := testPipeline(t, 40)
	ctx := stdctx.Background()

	out, err := p.PrepareAdaptive(ctx, "retrieval helper", 1000)
	require.NoError(t, err)

	symbols := 0
	for _, f := range out.Fragments {
		if f.Kind == FragmentSymbol {
			symbols++
		}
	}
	require.LessOrEqual(t, symbols, 8)
	require.Contains(t, []StrategyKind{KindSummary, KindSkeleton}, out.Strategy.Kind)
	require.GreaterOrEqual(t, out.QualityScore, 0.5)
	require.LessOrEqual(t, out.TotalTokens, out.MaxTokens)
}

func TestZeroBudgetIsEmptyNotError(t *testing.T) {
	p, _, _ := testPipeline(t, 3)
	out, err := p.PrepareAdaptive(stdctx.Background(), "anything", 0)
	require.NoError(t, err)
	require.Empty(t, out.Fragments)
	require.Zero(t, out.TotalTokens)
}

func TestNegativeBudgetIsInvalid(t *testing.T) {
	p, _, _ := testPipeline(t, 1)
	_, err := p.PrepareAdaptive(stdctx.Background(), "anything", -1)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestUnboundedBudgetUsesNoneStrategy(t *testing.T) {
	p, _, _ := testPipeline(t, 5)
	out, err := p.PrepareAdaptive(stdctx.Background(), "retrieval helper", UnboundedBudget)
	require.NoError(t, err)
	require.Equal(t, KindNone, out.Strategy.Kind)

	symbols := 0
	for _, f := range out.Fragments {
		if f.Kind == FragmentSymbol {
			symbols++
		}
	}
	require.Equal(t, 5, symbols)
}

func TestCancelledRetrievalReturnsPartial(t *testing.T) {
	p, _, _ := testPipeline(t, 10)
	ctx, cancel := stdctx.WithCancel(stdctx.Background())
	cancel()

	out, err := p.PrepareAdaptive(ctx, "retrieval helper", 5000)
	require.NoError(t, err)
	require.True(t, out.Truncated)
}

func TestBudgetInvariantAcrossRegimes(t *testing.T) {
	p, _, _ := testPipeline(t, 40)
	ctx := stdctx.Background()

	for _, budget := range []int{500, 3000, 10000, 50000, 200000} {
		out, err := p.PrepareAdaptive(ctx, "retrieval helper", budget)
		require.NoError(t, err, "budget %d", budget)
		require.LessOrEqual(t, out.TotalTokens, budget, "budget %d", budget)
	}
}

func TestEpisodeSymbolsFeedRetrieval(t *testing.T) {
	p, epi, _ := testPipeline(t, 5)
	ctx := stdctx.Background()

	_, err := epi.Record(ctx, memory.Episode{
		TaskDescription: "wire the frobnicator output",
		Outcome:         memory.OutcomeSuccess,
		SymbolsUsed:     []string{"s3", "ghost"},
	})
	require.NoError(t, err)

	out, err := p.PrepareAdaptive(ctx, "wire the frobnicator output", 8000)
	require.NoError(t, err)

	// The unresolvable symbol is skipped and flagged, not an error.
	require.Contains(t, out.SkippedSymbols, "ghost")

	found := false
	for _, f := range out.Fragments {
		if f.SymbolID == "s3" {
			found = true
		}
	}
	require.True(t, found, "episode symbol should be retrieved")
}

func TestCompressIdempotenceLaw(t *testing.T) {
	frag := Fragment{ID: "f", Kind: FragmentSymbol, Text: "func A() {\n\t// comment\n\treturn\n}\n\n\n"}
	for _, s := range []Strategy{
		StrategyRemoveComments, StrategyRemoveWhitespace, StrategySkeleton,
		StrategySummary, StrategyExtractKeyPoints, StrategyTreeShaking,
		StrategyHybrid, StrategyUltraCompact,
	} {
		once := Compress(frag, s)
		again := Compress(once, StrategyNone)
		require.Equal(t, once, again, "strategy %s", s)
	}
}

func TestCompressRecordsStrategyAndQuality(t *testing.T) {
	frag := Fragment{ID: "f", Text: "func A() error {\n\t// does stuff\n\treturn nil\n}"}
	out := Compress(frag, StrategyRemoveComments)
	require.Equal(t, StrategyRemoveComments, out.Strategy)
	require.InDelta(t, 0.85, out.QualityScore, 1e-9)
	require.NotContains(t, out.Text, "does stuff")

	other := Compress(frag, OtherStrategy("plugin-x"))
	require.Equal(t, "Other(plugin-x)", other.Strategy.String())
	require.Equal(t, frag.Text, other.Text)
}

func TestDefragmentOrdersAndBridges(t *testing.T) {
	counter := NewTokenCounter()
	mk := func(id, text string) Fragment {
		f := Fragment{ID: id, Kind: FragmentSymbol, Text: text, QualityScore: 1, Strategy: StrategyNone}
		f.Tokens = counter.CountFragment(f)
		return f
	}
	frags := []Fragment{
		mk("a1", "parser tokenize stream input grammar"),
		mk("b1", "storage engine compaction levels"),
		mk("a2", "parser grammar rules tokenize"),
	}

	out := Defragment(frags, 1000)

	// The two parser fragments end up adjacent.
	positions := map[string]int{}
	for i, f := range out {
		positions[f.ID] = i
	}
	gap := positions["a2"] - positions["a1"]
	if gap < 0 {
		gap = -gap
	}
	require.Equal(t, 1, gap)

	// A bridge separates the storage cluster.
	bridges := 0
	for _, f := range out {
		if f.Kind == FragmentBridge {
			bridges++
		}
	}
	require.Equal(t, 1, bridges)

	// No bridges when there is no residual budget.
	out = Defragment(frags, 0)
	for _, f := range out {
		require.NotEqual(t, FragmentBridge, f.Kind)
	}
}
