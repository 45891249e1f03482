package config

import "fmt"

// ContextConfig configures the adaptive context pipeline.
type ContextConfig struct {
	// Retrieval scoring weights: attention, recency, similarity,
	// predicted utility. Must sum to a positive value; they are normalised
	// at use.
	BudgetSplitCoefficients Coefficients `json:"budget_split_coefficients"`

	// Minimum acceptable compression quality score. Below this the pipeline
	// widens to a more expensive strategy or truncates.
	CompressionQualityFloor float64 `json:"compression_quality_floor"`

	// Candidate pool multiplier: retrieve this many times max_results
	// before packing.
	CandidateOverfetch int `json:"candidate_overfetch"`
}

// Coefficients holds the retrieval scoring weights.
type Coefficients struct {
	Attention        float64 `json:"attention"`
	Recency          float64 `json:"recency"`
	Similarity       float64 `json:"similarity"`
	PredictedUtility float64 `json:"predicted_utility"`
}

// Sum returns the coefficient total.
func (c Coefficients) Sum() float64 {
	return c.Attention + c.Recency + c.Similarity + c.PredictedUtility
}

// DefaultContextConfig returns the pipeline defaults.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		BudgetSplitCoefficients: Coefficients{
			Attention:        0.35,
			Recency:          0.20,
			Similarity:       0.30,
			PredictedUtility: 0.15,
		},
		CompressionQualityFloor: 0.3,
		CandidateOverfetch:      4,
	}
}

// Validate rejects unusable pipeline settings.
func (c ContextConfig) Validate() error {
	if c.BudgetSplitCoefficients.Sum() <= 0 {
		return fmt.Errorf("context.budget_split_coefficients must sum to a positive value")
	}
	if c.CompressionQualityFloor < 0 || c.CompressionQualityFloor > 1 {
		return fmt.Errorf("context.compression_quality_floor must be in [0,1]")
	}
	return nil
}
