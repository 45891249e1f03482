package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/index"
)

func symWithCost(id string, cost int) index.Symbol {
	return index.Symbol{ID: id, Name: id, Kind: "function", TokenCost: cost}
}

func TestWorkingCapacityInvariant(t *testing.T) {
	w := NewWorking(WorkingConfig{CapacityTokens: 1000, HalfLife: 1, Floor: 0.05})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Update(ctx, symWithCost(fmt.Sprintf("s%d", i), 100), 0.5))
		require.LessOrEqual(t, w.Tokens(), 1000, "capacity must hold after every update")
	}
	require.LessOrEqual(t, w.Len(), 10)
}

func TestWorkingEvictionPrefersFloorThenCostWeighted(t *testing.T) {
	w := NewWorking(WorkingConfig{CapacityTokens: 300, HalfLife: 1, Floor: 0.05})
	ctx := context.Background()

	require.NoError(t, w.Update(ctx, symWithCost("hot", 100), 0.9))
	require.NoError(t, w.Update(ctx, symWithCost("cold", 100), 0.04)) // below floor
	require.NoError(t, w.Update(ctx, symWithCost("warm", 100), 0.5))

	// The next insert forces one eviction: the below-floor entry goes.
	require.NoError(t, w.Update(ctx, symWithCost("new", 100), 0.6))

	_, ok := w.Get("cold")
	require.False(t, ok)
	_, ok = w.Get("hot")
	require.True(t, ok)
}

func TestWorkingAttentionDecay(t *testing.T) {
	w := NewWorking(WorkingConfig{CapacityTokens: 1000, HalfLife: 1, Floor: 0.01})
	ctx := context.Background()

	require.NoError(t, w.Update(ctx, symWithCost("s", 100), 0.8))

	// One interaction halves the weight.
	w.Tick()
	e, ok := w.Get("s")
	require.True(t, ok)
	require.InDelta(t, 0.4, e.AttentionWeight, 1e-9)

	// Access resets the decay clock.
	w.Touch("s")
	w.Tick()
	e, _ = w.Get("s")
	require.InDelta(t, 0.2, e.AttentionWeight, 1e-9)
}

func TestWorkingHotAndPrefetch(t *testing.T) {
	w := NewWorking(WorkingConfig{CapacityTokens: 1000, HalfLife: 1, Floor: 0.01})
	ctx := context.Background()

	require.NoError(t, w.Update(ctx, symWithCost("a", 10), 0.9))
	require.NoError(t, w.Update(ctx, symWithCost("b", 10), 0.3))
	require.NoError(t, w.Update(ctx, symWithCost("c", 10), 0.6))

	hot := w.Hot(2)
	require.Len(t, hot, 2)
	require.Equal(t, "a", hot[0].SymbolID)
	require.Equal(t, "c", hot[1].SymbolID)

	w.SetPredictedNext("b", 0.8)
	w.SetPredictedNext("a", 0.2)
	queue := w.PrefetchQueue()
	require.Equal(t, []string{"b", "a"}, queue)

	snap := w.Snapshot(2)
	require.Contains(t, snap, "a")
}

func TestConsolidatorRunOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := openEpisodic(t, s)
	sem, err := NewSemantic(ctx, s, SemanticConfig{MinRecurrence: 3, MinSuccessRate: 0.5})
	require.NoError(t, err)
	p, err := NewProcedural(ctx, s)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Record(ctx, episode("tune retrieval scoring weights", OutcomeSuccess, "Score", "Pack"))
		require.NoError(t, err)
	}

	c := NewConsolidator(e, sem, p, 0)
	require.NoError(t, c.RunOnce(ctx, time.Now()))

	require.Equal(t, 1, sem.Count())
	require.Equal(t, 1, p.Count())

	// Promoted episodes carry a pattern value so cleanup keeps them.
	clusters, err := e.Consolidate(ctx, time.Now(), 3)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	for _, ep := range clusters[0].Episodes {
		require.Greater(t, ep.PatternValue, 0.0)
	}
	c.Stop()
}
