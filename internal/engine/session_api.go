package engine

import (
	"context"
	"time"

	"meridian/internal/session"
)

// =============================================================================
// session.* operations
// =============================================================================

// SessionBegin creates a copy-on-write session scoped to path globs.
func (e *Engine) SessionBegin(ctx context.Context, task string, scope []string) (*session.Session, error) {
	start := time.Now()
	out, err := e.sessions.Begin(ctx, task, scope)
	e.observe("session.begin", start, err, 0)
	return out, err
}

// SessionUpdate writes a delta into a session's overlay.
func (e *Engine) SessionUpdate(ctx context.Context, sessionID, path string, content []byte, reindex bool) error {
	start := time.Now()
	err := e.sessions.Update(ctx, sessionID, path, content, reindex)
	e.observe("session.update", start, err, len(content)/4)
	return err
}

// SessionQuery resolves a text query through the overlay.
func (e *Engine) SessionQuery(ctx context.Context, sessionID, text string, preferSession bool) ([]session.QueryResult, error) {
	start := time.Now()
	out, err := e.sessions.Query(ctx, sessionID, text, preferSession)
	e.observe("session.query", start, err, 0)
	return out, err
}

// SessionComplete finishes a session with commit, discard or stash.
func (e *Engine) SessionComplete(ctx context.Context, sessionID string, action session.Action) error {
	start := time.Now()
	err := e.sessions.Complete(ctx, sessionID, action)
	e.observe("session.complete", start, err, 0)
	return err
}

// SessionResume reactivates a stashed session.
func (e *Engine) SessionResume(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := e.sessions.Resume(ctx, sessionID)
	e.observe("session.resume", start, err, 0)
	return err
}

// SessionList returns all sessions, most recently active first.
func (e *Engine) SessionList(offset, pageSize int) ([]*session.Session, bool) {
	all := e.sessions.List()
	return paginate(all, offset, pageSize)
}

// SessionGet returns one session.
func (e *Engine) SessionGet(sessionID string) (*session.Session, error) {
	return e.sessions.Get(sessionID)
}
