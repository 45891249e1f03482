package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/store"
)

func TestCollectorObserveAndTake(t *testing.T) {
	c := NewCollector()

	for i := 1; i <= 100; i++ {
		c.Observe("memory.record_episode", time.Duration(i)*time.Millisecond, i%10 == 0, 50)
	}
	c.Cache("progress.get_task", true)
	c.Cache("progress.get_task", false)
	c.SetGauge("working_memory_utilisation", 0.42)

	snap := c.Take(time.Now())

	fam := snap.Families["memory.record_episode"]
	require.EqualValues(t, 100, fam.Calls)
	require.EqualValues(t, 10, fam.Failures)
	require.EqualValues(t, 5000, fam.TokenCost)
	require.LessOrEqual(t, fam.P50, fam.P95)
	require.LessOrEqual(t, fam.P95, fam.P99)

	cache := snap.Families["progress.get_task"]
	require.EqualValues(t, 1, cache.CacheHits)
	require.EqualValues(t, 1, cache.CacheMiss)

	require.InDelta(t, 0.42, snap.Gauges["working_memory_utilisation"], 1e-9)
}

func TestSnapshotterRunOnce(t *testing.T) {
	sink, err := store.OpenMetricsStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer sink.Close()

	c := NewCollector()
	c.Observe("context.prepare_adaptive", 5*time.Millisecond, false, 900)

	s := NewSnapshotter(c, sink, SnapshotterConfig{})
	require.NoError(t, s.RunOnce(context.Background(), time.Now()))
	s.Stop()

	count := 0
	require.NoError(t, sink.ScanSnapshots(context.Background(), func(ts time.Time, data []byte) bool {
		var snap Snapshot
		require.NoError(t, json.Unmarshal(data, &snap))
		require.Contains(t, snap.Families, "context.prepare_adaptive")
		count++
		return true
	}))
	require.Equal(t, 1, count)
}
