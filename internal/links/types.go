// Package links implements the typed cross-artifact link graph connecting
// specs, code, docs, tests and examples, with traversal and validation
// operations. Graphs are stored as id-to-record maps plus adjacency
// indexes; cycle checks run at mutation time.
package links

import (
	"errors"
	"fmt"
	"time"
)

// Level is the artifact kind of a link endpoint.
type Level string

const (
	LevelSpec    Level = "spec"
	LevelCode    Level = "code"
	LevelDoc     Level = "doc"
	LevelTest    Level = "test"
	LevelExample Level = "example"
)

// ValidLevel reports whether l is a known level.
func ValidLevel(l Level) bool {
	switch l {
	case LevelSpec, LevelCode, LevelDoc, LevelTest, LevelExample:
		return true
	}
	return false
}

// Type is the link relationship. Closed sum with an Other escape for
// forward compatibility; dispatch is on the explicit value.
type Type string

const (
	TypeImplements  Type = "implements"
	TypeDocuments   Type = "documents"
	TypeExemplifies Type = "exemplifies"
	TypeTests       Type = "tests"
	TypeReferences  Type = "references"
	TypeContradicts Type = "contradicts"
)

// OtherType builds the extension escape value.
func OtherType(tag string) Type {
	return Type("other:" + tag)
}

// ValidType accepts the closed set plus other: tags.
func ValidType(t Type) bool {
	switch t {
	case TypeImplements, TypeDocuments, TypeExemplifies, TypeTests, TypeReferences, TypeContradicts:
		return true
	}
	return len(t) > 6 && t[:6] == "other:"
}

// acyclicTypes are the types over which the graph must stay cycle-free.
var acyclicTypes = map[Type]bool{
	TypeImplements: true,
	TypeDocuments:  true,
	TypeTests:      true,
}

// Health is a link's validation state.
type Health string

const (
	HealthValid  Health = "valid"
	HealthStale  Health = "stale"
	HealthBroken Health = "broken"
)

// Endpoint identifies one side of a link.
type Endpoint struct {
	Level    Level  `json:"level"`
	EntityID string `json:"entity_id"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.Level, e.EntityID)
}

// Link is one typed edge between two artifacts.
type Link struct {
	ID               string    `json:"id"`
	Source           Endpoint  `json:"source"`
	Target           Endpoint  `json:"target"`
	Type             Type      `json:"link_type"`
	Confidence       float64   `json:"confidence"` // [0,1]
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ValidatedAt      time.Time `json:"validated_at,omitempty"`
	Health           Health    `json:"health"`
}

// Link graph error kinds.
var (
	// ErrNotFound reports an unknown link.
	ErrNotFound = errors.New("links: not found")

	// ErrInvalidInput reports malformed endpoints, types or confidence.
	ErrInvalidInput = errors.New("links: invalid input")

	// ErrConflict reports a duplicate link or a cycle over
	// implements/documents/tests.
	ErrConflict = errors.New("links: conflict")
)

// Direction selects edge orientation for queries.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Filters narrows GetLinks.
type Filters struct {
	Type          Type
	Level         Level
	MinConfidence float64
	Health        Health
}

// HealthStats is the graph-wide health aggregate.
type HealthStats struct {
	Total  int     `json:"total"`
	Valid  int     `json:"valid"`
	Stale  int     `json:"stale"`
	Broken int     `json:"broken"`
	Ratio  float64 `json:"health_ratio"` // valid / total
}

// OrphanMode selects what FindOrphans reports.
type OrphanMode string

const (
	// OrphanUnimplemented: spec entities with no non-broken outgoing
	// implements edge to code (spec side has no implementation).
	OrphanUnimplemented OrphanMode = "unimplemented"
	// OrphanUntested: non-test entities with no non-broken outgoing or
	// incoming tests edge.
	OrphanUntested OrphanMode = "untested"
)

// EntityResolver reports whether an entity exists at a level. The graph
// consults it during validation; deletions degrade links to broken, never
// remove them.
type EntityResolver func(level Level, entityID string) bool
