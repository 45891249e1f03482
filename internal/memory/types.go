// Package memory implements meridian's four memory tiers: episodic records
// of concrete past tasks, semantic patterns generalised from them,
// procedural how-to sequences, and the attention-weighted working set.
package memory

import (
	"time"

	"meridian/internal/index"
)

// episodeSchemaVersion is embedded in every persisted episode.
const episodeSchemaVersion = 1

// Outcome classifies how a recorded task ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Episode is a recorded completed task with outcome and footprint.
// Immutable after creation except AccessCount and PatternValue, which
// consolidation updates.
type Episode struct {
	ID              string        `json:"id"`
	TaskDescription string        `json:"task_description"`
	FilesAccessed   []string      `json:"files_accessed,omitempty"`
	QueriesMade     []string      `json:"queries_made,omitempty"`
	SymbolsUsed     []string      `json:"symbols_used,omitempty"`
	SolutionPath    []string      `json:"solution_path,omitempty"`
	Outcome         Outcome       `json:"outcome"`
	Duration        time.Duration `json:"duration"`
	TokensUsed      int           `json:"tokens_used"`
	AccessCount     int           `json:"access_count"`
	PatternValue    float64       `json:"pattern_value"` // [0,1]
	CreatedAt       time.Time     `json:"created_at"`
	SchemaVersion   int           `json:"schema_version"`
}

// ConceptEdge is one edge in a pattern's concept graph.
type ConceptEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Pattern is a generalised shape promoted from repeated episodes.
type Pattern struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Frequency         int           `json:"frequency"`
	SuccessRate       float64       `json:"success_rate"` // EWMA over examples
	ExampleEpisodeIDs []string      `json:"example_episode_ids"`
	ConceptEdges      []ConceptEdge `json:"concept_graph_edges,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ProcedureStep is one action in a learned how-to sequence.
type ProcedureStep struct {
	Action          string   `json:"action"`
	RequiredContext []string `json:"required_context,omitempty"`
	TypicalQueries  []string `json:"typical_queries,omitempty"`
}

// Procedure is an ordered template of steps learned from successful
// episodes of the same task type.
type Procedure struct {
	ID          string          `json:"id"`
	TaskType    string          `json:"task_type"`
	Steps       []ProcedureStep `json:"steps"`
	SuccessRate float64         `json:"success_rate"`
	Pitfalls    []string        `json:"pitfalls,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkingEntry is one attention-weighted working-memory slot.
type WorkingEntry struct {
	SymbolID        string       `json:"symbol_id"`
	AttentionWeight float64      `json:"attention_weight"` // (0,1]
	LastAccessed    time.Time    `json:"last_accessed"`
	PredictedNext   float64      `json:"predicted_next_access_probability"`
	Cached          index.Symbol `json:"cached_metadata"`
	TokenCost       int          `json:"token_cost"`

	// interaction counter value at last access, for decay arithmetic.
	accessedAt int64
}

// Stats summarises tier state for the observability surface.
type Stats struct {
	Episodes           int     `json:"episodes"`
	Patterns           int     `json:"patterns"`
	Procedures         int     `json:"procedures"`
	WorkingEntries     int     `json:"working_entries"`
	WorkingTokens      int     `json:"working_tokens"`
	WorkingCapacity    int     `json:"working_capacity"`
	WorkingUtilisation float64 `json:"working_utilisation"`
}
