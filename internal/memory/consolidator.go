package memory

import (
	"context"
	"sync"
	"time"

	"meridian/internal/logging"
)

// Consolidator runs the cross-tier promotion cycle on a cadence: episodic
// cleanup and cluster nomination, semantic promotion, procedural learning.
// It is a spawned task with a shutdown channel; Stop drains the in-progress
// cycle before returning.
type Consolidator struct {
	episodic   *Episodic
	semantic   *Semantic
	procedural *Procedural
	interval   time.Duration

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

// NewConsolidator wires the three persistent tiers together.
func NewConsolidator(e *Episodic, s *Semantic, p *Procedural, interval time.Duration) *Consolidator {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Consolidator{
		episodic:   e,
		semantic:   s,
		procedural: p,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background loop.
func (c *Consolidator) Start() {
	c.started = true
	go c.loop()
}

func (c *Consolidator) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.RunOnce(ctx, time.Now()); err != nil {
				logging.Get(logging.CategorySemantic).Warn("consolidation cycle failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce executes one full consolidation cycle.
func (c *Consolidator) RunOnce(ctx context.Context, now time.Time) error {
	timer := logging.StartTimer(logging.CategorySemantic, "Consolidator.RunOnce")
	defer timer.Stop()

	clusters, err := c.episodic.Consolidate(ctx, now, c.semantic.cfg.MinRecurrence)
	if err != nil {
		return err
	}

	promoted := 0
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		pattern, ok, perr := c.semantic.Promote(ctx, cluster)
		if perr != nil {
			return perr
		}
		if !ok {
			continue
		}
		promoted++

		// Mark the cluster's episodes as pattern-bearing so episodic
		// cleanup keeps them.
		for _, ep := range cluster.Episodes {
			if ep.PatternValue < pattern.SuccessRate {
				if serr := c.episodic.SetPatternValue(ctx, ep.ID, pattern.SuccessRate); serr != nil {
					logging.EpisodicDebug("pattern value update skipped for %s: %v", ep.ID, serr)
				}
			}
		}

		// Procedural learning over the same cluster.
		if _, lerr := c.procedural.LearnFromSuccesses(ctx, cluster.Shape, cluster.Episodes); lerr != nil {
			logging.Get(logging.CategoryProcedural).Warn("procedure learning skipped for %q: %v", cluster.Shape, lerr)
		}
	}

	if promoted > 0 {
		logging.Semantic("Consolidation promoted %d patterns from %d clusters", promoted, len(clusters))
	}
	return nil
}

// Stop shuts the loop down, draining any in-progress cycle.
func (c *Consolidator) Stop() {
	c.once.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}
