// Package session implements named copy-on-write overlays over the base
// store. A session's deltas never mutate the base: commit applies them as
// one atomic batch and emits a new base commit reference, discard drops
// them, stash parks the session for later resumption.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a session's lifecycle state.
type State string

const (
	StateActive  State = "active"
	StateStashed State = "stashed"
)

// Action finishes a session. Closed set: commit, discard or stash; any
// other value is rejected as invalid input.
type Action string

const (
	ActionCommit  Action = "commit"
	ActionDiscard Action = "discard"
	ActionStash   Action = "stash"
)

// Delta is one path override in a session's overlay.
type Delta struct {
	Path       string `json:"path"`
	NewContent []byte `json:"new_content"`
	Reindex    bool   `json:"reindex"`

	// BaseHash is the hash of the base content observed when the delta was
	// first written; commit-time divergence from it is a conflict.
	BaseHash string `json:"base_hash"`
}

// Session is one copy-on-write work overlay.
type Session struct {
	ID                string            `json:"id"`
	Task              string            `json:"task"`
	BaseCommitRef     string            `json:"base_commit_ref"`
	Scope             []string          `json:"scope,omitempty"` // path globs
	CreatedAt         time.Time         `json:"created_at"`
	LastActivity      time.Time         `json:"last_activity"`
	State             State             `json:"state"`
	ScratchpadSymbols []string          `json:"scratchpad_symbols,omitempty"`
	Deltas            map[string]*Delta `json:"deltas"`
}

// ConflictError reports delta paths that diverged in base since the session
// observed them. The session stays uncommitted.
type ConflictError struct {
	SessionID string
	Paths     []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: conflicting paths: %s", e.SessionID, strings.Join(e.Paths, ", "))
}

// Session error kinds.
var (
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidInput reports malformed arguments or an unusable action.
	ErrInvalidInput = errors.New("session: invalid input")

	// ErrNotActive reports an operation on a stashed session that needs an
	// active one.
	ErrNotActive = errors.New("session: not active")
)

// QueryResult is one hit from a session-scoped query.
type QueryResult struct {
	Path        string `json:"path"`
	Excerpt     string `json:"excerpt"`
	FromSession bool   `json:"from_session"`
}
