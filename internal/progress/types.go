// Package progress implements first-class task tracking: a state machine
// with an explicit transition matrix, five secondary indexes, a dependency
// graph with mutation-time cycle checks, and per-task history.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// taskSchemaVersion is embedded in every persisted task record.
const taskSchemaVersion = 1

// Priority orders tasks for humans; it also backs a secondary index.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// transitions is the allowed state-transition matrix. done and cancelled
// are terminal.
var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusDone: true, StatusCancelled: true},
	StatusInProgress: {StatusPending: true, StatusBlocked: true, StatusDone: true, StatusCancelled: true},
	StatusBlocked:    {StatusPending: true, StatusInProgress: true, StatusCancelled: true},
	StatusDone:       {},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// StatusTransition is one history entry; the last entry always produced the
// task's current status.
type StatusTransition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Estimates carries planned effort; Actuals what it took.
type Estimates struct {
	Tokens  int           `json:"tokens,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// Task is one tracked unit of work.
type Task struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Priority        Priority           `json:"priority"`
	Status          Status             `json:"status"`
	SpecReference   string             `json:"spec_reference,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	Estimates       Estimates          `json:"estimates,omitempty"`
	Actuals         Estimates          `json:"actuals,omitempty"`
	History         []StatusTransition `json:"history"`
	DependsOn       []string           `json:"depends_on,omitempty"`
	Related         []string           `json:"related,omitempty"`
	SolutionSummary string             `json:"solution_summary,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	SchemaVersion   int                `json:"schema_version"`
}

// Progress error kinds.
var (
	// ErrNotFound reports an unknown task.
	ErrNotFound = errors.New("progress: task not found")

	// ErrInvalidInput reports malformed fields or an impossible transition.
	ErrInvalidInput = errors.New("progress: invalid input")

	// ErrConflict reports a dependency mutation that would introduce a
	// cycle; the graph is left unchanged.
	ErrConflict = errors.New("progress: conflict")
)

// invalidTransition formats the matrix violation.
func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: transition %s -> %s not permitted", ErrInvalidInput, from, to)
}

// Filters narrows List and Search.
type Filters struct {
	Status        Status
	Priority      Priority
	Tag           string
	SpecReference string
	SessionID     string
}

// Stats is the progress_stats aggregate.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	Done       int            `json:"done"`
	Completion float64        `json:"completion"`
}

// Update carries partial task field updates; nil pointers leave the field
// untouched.
type Update struct {
	Title         *string
	Description   *string
	Priority      *Priority
	SpecReference *string
	Tags          *[]string
	SessionID     *string
	Estimates     *Estimates
	Actuals       *Estimates
	Related       *[]string
}
