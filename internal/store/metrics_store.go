package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meridian/internal/logging"
)

// MetricsStore is a second, logically independent store instance holding
// time-series snapshots and aggregations. It is tuned for append-heavy
// writes and cleaned up by TTL.
type MetricsStore struct {
	*Store
}

// OpenMetricsStore opens the metrics store under <root>/metrics.
func OpenMetricsStore(root string, cacheSize int64) (*MetricsStore, error) {
	s, err := Open(filepath.Join(root, "metrics"), Options{
		CacheSize:   cacheSize,
		AppendHeavy: true,
	})
	if err != nil {
		return nil, err
	}
	return &MetricsStore{Store: s}, nil
}

// snapshotKey formats a snapshot key. The millisecond timestamp is
// zero-padded so lexicographic key order matches time order.
func snapshotKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("snapshot:%013d", ts.UnixMilli()))
}

func aggKey(granularity string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("agg:%s:%013d", granularity, ts.UnixMilli()))
}

// PutSnapshot stores one serialized metrics snapshot.
func (m *MetricsStore) PutSnapshot(ctx context.Context, ts time.Time, data []byte) error {
	return m.Put(ctx, snapshotKey(ts), data)
}

// PutAggregate stores one aggregation at the given granularity ("hour",
// "day", ...).
func (m *MetricsStore) PutAggregate(ctx context.Context, granularity string, ts time.Time, data []byte) error {
	return m.Put(ctx, aggKey(granularity, ts), data)
}

// ScanSnapshots iterates stored snapshots in time order.
func (m *MetricsStore) ScanSnapshots(ctx context.Context, fn func(ts time.Time, data []byte) bool) error {
	return m.Scan(ctx, []byte("snapshot:"), func(key, value []byte) bool {
		var ms int64
		if _, err := fmt.Sscanf(string(key), "snapshot:%d", &ms); err != nil {
			return true
		}
		return fn(time.UnixMilli(ms), value)
	})
}

// Cleanup deletes snapshots and aggregations older than the configured
// retention. The snapshot scan is bounded: key order is time order, so it
// stops at the first key younger than the cutoff. The aggregation scan
// visits every aggregation key.
func (m *MetricsStore) Cleanup(ctx context.Context, snapshotTTL, aggTTL time.Duration, now time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryMetrics, "Cleanup")
	defer timer.Stop()

	deleted := 0
	batch := NewBatch()

	snapCutoff := string(snapshotKey(now.Add(-snapshotTTL)))
	err := m.Scan(ctx, []byte("snapshot:"), func(key, value []byte) bool {
		if string(key) >= snapCutoff {
			return false
		}
		batch.Delete(key)
		deleted++
		return true
	})
	if err != nil {
		return 0, err
	}

	aggCutoffMs := now.Add(-aggTTL).UnixMilli()
	err = m.Scan(ctx, []byte("agg:"), func(key, value []byte) bool {
		parts := strings.SplitN(string(key), ":", 3)
		if len(parts) != 3 {
			return true
		}
		ms, perr := strconv.ParseInt(parts[2], 10, 64)
		if perr != nil {
			return true
		}
		if ms < aggCutoffMs {
			batch.Delete(key)
			deleted++
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	if batch.Len() > 0 {
		if err := m.Apply(ctx, batch); err != nil {
			return 0, err
		}
	}
	logging.MetricsDebug("Metrics cleanup removed %d expired keys", deleted)
	return deleted, nil
}
