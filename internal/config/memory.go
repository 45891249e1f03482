package config

import "time"

// MemoryConfig configures the four memory tiers.
type MemoryConfig struct {
	// Working memory capacity, in tokens.
	WorkingMemorySize int `json:"working_memory_size"`

	// Attention half-life: weights halve after this many interactions
	// without access.
	AttentionHalfLife float64 `json:"attention_half_life"`

	// Entries at or below this attention weight are always preferred for
	// eviction.
	AttentionFloor float64 `json:"attention_floor"`

	// Age beyond which low-value, never-accessed episodes are dropped.
	EpisodicRetentionDays int `json:"episodic_retention_days"`

	// Cadence of semantic/procedural promotion.
	ConsolidationInterval Duration `json:"consolidation_interval"`

	// An episode shape must recur at least this many times before promotion.
	PromoteMinRecurrence int `json:"promote_min_recurrence"`

	// Minimum success rate across the recurring cluster for promotion.
	PromoteMinSuccessRate float64 `json:"promote_min_success_rate"`

	// EWMA smoothing factor for pattern success rates.
	SuccessRateAlpha float64 `json:"success_rate_alpha"`
}

// DefaultMemoryConfig returns the memory tier defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		// 10 MB-equivalent token budget (~4 bytes per token heuristic).
		WorkingMemorySize:     2_500_000,
		AttentionHalfLife:     1.0,
		AttentionFloor:        0.05,
		EpisodicRetentionDays: 90,
		ConsolidationInterval: Duration(15 * time.Minute),
		PromoteMinRecurrence:  3,
		PromoteMinSuccessRate: 0.66,
		SuccessRateAlpha:      0.3,
	}
}
