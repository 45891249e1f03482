package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// SnapshotterConfig controls cadence and retention.
type SnapshotterConfig struct {
	Interval          time.Duration
	SnapshotRetention time.Duration
	AggRetention      time.Duration
}

// Snapshotter periodically serialises the collector into the metrics store
// and prunes expired keys. Spawned task with a shutdown channel; Stop
// drains the in-progress cycle.
type Snapshotter struct {
	collector *Collector
	sink      *store.MetricsStore
	cfg       SnapshotterConfig

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

// NewSnapshotter wires a collector to the metrics store.
func NewSnapshotter(c *Collector, sink *store.MetricsStore, cfg SnapshotterConfig) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = 30 * 24 * time.Hour
	}
	if cfg.AggRetention <= 0 {
		cfg.AggRetention = 90 * 24 * time.Hour
	}
	return &Snapshotter{
		collector: c,
		sink:      sink,
		cfg:       cfg,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the snapshot loop.
func (s *Snapshotter) Start() {
	s.started = true
	go s.loop()
}

func (s *Snapshotter) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
			if err := s.RunOnce(ctx, time.Now()); err != nil {
				logging.Get(logging.CategoryMetrics).Warn("snapshot cycle failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce writes one snapshot and prunes expired keys.
func (s *Snapshotter) RunOnce(ctx context.Context, now time.Time) error {
	snap := s.collector.Take(now)
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.sink.PutSnapshot(ctx, now, data); err != nil {
		return err
	}
	if _, err := s.sink.Cleanup(ctx, s.cfg.SnapshotRetention, s.cfg.AggRetention, now); err != nil {
		return err
	}
	logging.MetricsDebug("Snapshot written (%d families, %d gauges)", len(snap.Families), len(snap.Gauges))
	return nil
}

// Stop shuts the loop down.
func (s *Snapshotter) Stop() {
	s.once.Do(func() { close(s.stop) })
	if s.started {
		<-s.done
	}
}
