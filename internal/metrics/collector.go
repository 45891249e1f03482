// Package metrics implements the observability surface: per-operation
// counters and latency percentiles, tier gauges, and periodic snapshots
// serialised into the metrics store.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// maxSamples bounds the per-family latency reservoir.
const maxSamples = 512

// FamilyStats is the exported aggregate for one operation family.
type FamilyStats struct {
	Calls     int64         `json:"calls"`
	Failures  int64         `json:"failures"`
	TokenCost int64         `json:"token_cost"`
	CacheHits int64         `json:"cache_hits"`
	CacheMiss int64         `json:"cache_misses"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// Snapshot is one serialisable point-in-time view.
type Snapshot struct {
	TakenAt  time.Time              `json:"taken_at"`
	Families map[string]FamilyStats `json:"families"`
	Gauges   map[string]float64     `json:"gauges"`
}

type family struct {
	calls     int64
	failures  int64
	tokenCost int64
	cacheHits int64
	cacheMiss int64
	samples   []time.Duration
	next      int
	full      bool
}

// Collector accumulates counters and timings. All methods are safe for
// concurrent use.
type Collector struct {
	mu       sync.Mutex
	families map[string]*family
	gauges   map[string]float64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		families: make(map[string]*family),
		gauges:   make(map[string]float64),
	}
}

func (c *Collector) family(name string) *family {
	f, ok := c.families[name]
	if !ok {
		f = &family{}
		c.families[name] = f
	}
	return f
}

// Observe records one operation: its latency, failure state and token cost.
func (c *Collector) Observe(familyName string, elapsed time.Duration, failed bool, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.family(familyName)
	f.calls++
	if failed {
		f.failures++
	}
	f.tokenCost += int64(tokens)
	if len(f.samples) < maxSamples {
		f.samples = append(f.samples, elapsed)
	} else {
		f.samples[f.next] = elapsed
		f.next = (f.next + 1) % maxSamples
		f.full = true
	}
}

// Cache records a cache hit or miss for a family.
func (c *Collector) Cache(familyName string, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.family(familyName)
	if hit {
		f.cacheHits++
	} else {
		f.cacheMiss++
	}
}

// SetGauge sets a named gauge (working-memory utilisation, link health
// ratio, tier counts).
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// Take captures the current snapshot.
func (c *Collector) Take(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		TakenAt:  now,
		Families: make(map[string]FamilyStats, len(c.families)),
		Gauges:   make(map[string]float64, len(c.gauges)),
	}
	for name, f := range c.families {
		stats := FamilyStats{
			Calls:     f.calls,
			Failures:  f.failures,
			TokenCost: f.tokenCost,
			CacheHits: f.cacheHits,
			CacheMiss: f.cacheMiss,
		}
		if len(f.samples) > 0 {
			sorted := append([]time.Duration(nil), f.samples...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			stats.P50 = percentile(sorted, 0.50)
			stats.P95 = percentile(sorted, 0.95)
			stats.P99 = percentile(sorted, 0.99)
		}
		snap.Families[name] = stats
	}
	for name, v := range c.gauges {
		snap.Gauges[name] = v
	}
	return snap
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
