package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// baseCommitKey holds the current base commit reference; every commit
// replaces it, totally ordering commits with respect to subsequent Begins.
var baseCommitKey = []byte("_base_commit")

// Reindexer turns updated content into session-scratchpad symbol ids.
// Parsing is an external collaborator; a nil Reindexer records nothing.
type Reindexer func(path string, content []byte) []string

// Config caps the manager.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration
}

// Manager owns all live sessions over one base store.
type Manager struct {
	mu       sync.RWMutex
	store    *store.Store
	cfg      Config
	sessions map[string]*Session
	reindex  Reindexer
}

// NewManager opens the manager, restoring persisted sessions.
func NewManager(ctx context.Context, s *store.Store, cfg Config, reindex Reindexer) (*Manager, error) {
	timer := logging.StartTimer(logging.CategorySession, "NewManager")
	defer timer.Stop()

	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}

	m := &Manager{
		store:    s,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		reindex:  reindex,
	}

	err := s.Scan(ctx, []byte("session:"), func(key, value []byte) bool {
		var sess Session
		if uerr := json.Unmarshal(value, &sess); uerr != nil {
			logging.Get(logging.CategorySession).Warn("skipping unreadable session %s: %v", key, uerr)
			return true
		}
		if sess.Deltas == nil {
			sess.Deltas = make(map[string]*Delta)
		}
		m.sessions[sess.ID] = &sess
		return true
	})
	if err != nil {
		return nil, err
	}

	// Delta contents live under their own prefix; rehydrate them.
	for _, sess := range m.sessions {
		for p, d := range sess.Deltas {
			raw, gerr := m.store.Get(ctx, deltaKey(sess.ID, p))
			if gerr == nil {
				d.NewContent = raw
			}
		}
	}

	logging.Session("Session manager opened (%d sessions)", len(m.sessions))
	return m, nil
}

func sessionKey(id string) []byte { return []byte("session:" + id) }

func deltaKey(sessionID, p string) []byte {
	sum := sha256.Sum256([]byte(p))
	return []byte(fmt.Sprintf("session_delta:%s:%s", sessionID, hex.EncodeToString(sum[:8])))
}

func fileKey(p string) []byte { return []byte("file:" + p) }

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// currentBaseRef reads the base commit reference, minting one for a fresh
// store.
func (m *Manager) currentBaseRef(ctx context.Context) (string, error) {
	raw, err := m.store.Get(ctx, baseCommitKey)
	if err == nil {
		return string(raw), nil
	}
	ref := uuid.NewString()
	if perr := m.store.Put(ctx, baseCommitKey, []byte(ref)); perr != nil {
		return "", perr
	}
	return ref, nil
}

// Begin creates an active session scoped to the given path globs.
func (m *Manager) Begin(ctx context.Context, task string, scope []string) (*Session, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("%w: task required", ErrInvalidInput)
	}

	ref, err := m.currentBaseRef(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:            uuid.NewString(),
		Task:          task,
		BaseCommitRef: ref,
		Scope:         scope,
		CreatedAt:     now,
		LastActivity:  now,
		State:         StateActive,
		Deltas:        make(map[string]*Delta),
	}

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	// Over-cap active sessions are stashed in LRU order, never discarded.
	if err := m.enforceCap(ctx); err != nil {
		logging.Get(logging.CategorySession).Warn("session cap enforcement failed: %v", err)
	}

	logging.Session("Began session %s (%q)", sess.ID, task)
	return m.copyOf(sess.ID)
}

// persist writes the session record (deltas' contents are stored
// separately under session_delta keys).
func (m *Manager) persist(ctx context.Context, sess *Session) error {
	slim := *sess
	slim.Deltas = make(map[string]*Delta, len(sess.Deltas))
	for p, d := range sess.Deltas {
		slim.Deltas[p] = &Delta{Path: d.Path, Reindex: d.Reindex, BaseHash: d.BaseHash}
	}
	data, err := json.Marshal(&slim)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, sessionKey(sess.ID), data)
}

// inScope reports whether a path matches the session's scope globs. An
// empty scope admits everything.
func inScope(sess *Session, p string) bool {
	if len(sess.Scope) == 0 {
		return true
	}
	for _, glob := range sess.Scope {
		if ok, err := path.Match(glob, strings.TrimPrefix(p, "/")); err == nil && ok {
			return true
		}
		if ok, err := path.Match(glob, p); err == nil && ok {
			return true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(glob, "*")) && strings.HasSuffix(glob, "*") {
			return true
		}
	}
	return false
}

// Update writes a delta into the session overlay. The base store is never
// touched. A cancelled update that has not reached its store write cancels
// cleanly; one whose write is in flight completes.
func (m *Manager) Update(ctx context.Context, sessionID, p string, content []byte, reindex bool) error {
	if p == "" {
		return fmt.Errorf("%w: path required", ErrInvalidInput)
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.State != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	if !inScope(sess, p) {
		m.mu.Unlock()
		return fmt.Errorf("%w: path %s outside session scope", ErrInvalidInput, p)
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Capture the base hash on first write to this path; commit compares
	// against it for conflict detection.
	baseHash := ""
	if raw, err := m.store.Get(ctx, fileKey(p)); err == nil {
		baseHash = contentHash(raw)
	}

	m.mu.Lock()
	d, exists := sess.Deltas[p]
	if !exists {
		d = &Delta{Path: p, BaseHash: baseHash}
		sess.Deltas[p] = d
	}
	d.NewContent = append([]byte(nil), content...)
	d.Reindex = reindex
	sess.LastActivity = time.Now().UTC()
	if reindex && m.reindex != nil {
		for _, symID := range m.reindex(p, content) {
			if !contains(sess.ScratchpadSymbols, symID) {
				sess.ScratchpadSymbols = append(sess.ScratchpadSymbols, symID)
			}
		}
	}
	m.mu.Unlock()

	batch := store.NewBatch()
	batch.Put(deltaKey(sessionID, p), content)
	if err := m.store.Apply(ctx, batch); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persist(ctx, sess)
}

// Query resolves a text search with the overlay: when preferSession is set,
// delta contents shadow base contents for the same path.
func (m *Manager) Query(ctx context.Context, sessionID, text string, preferSession bool) ([]QueryResult, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	deltas := make(map[string][]byte, len(sess.Deltas))
	for p, d := range sess.Deltas {
		deltas[p] = d.NewContent
	}
	m.mu.RUnlock()

	var out []QueryResult
	seen := make(map[string]struct{})

	if preferSession {
		paths := make([]string, 0, len(deltas))
		for p := range deltas {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			if excerpt, ok := matchContent(deltas[p], text); ok {
				out = append(out, QueryResult{Path: p, Excerpt: excerpt, FromSession: true})
				seen[p] = struct{}{}
			}
		}
	}

	err := m.store.Scan(ctx, []byte("file:"), func(key, value []byte) bool {
		p := string(key[len("file:"):])
		if _, shadowed := seen[p]; shadowed {
			return true
		}
		if preferSession {
			if _, hasDelta := deltas[p]; hasDelta {
				return true // delta exists but did not match; base copy is shadowed
			}
		}
		if excerpt, ok := matchContent(value, text); ok {
			out = append(out, QueryResult{Path: p, Excerpt: excerpt})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchContent(content []byte, text string) (string, bool) {
	idx := strings.Index(strings.ToLower(string(content)), strings.ToLower(text))
	if idx < 0 {
		return "", false
	}
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(text) + 40
	if end > len(content) {
		end = len(content)
	}
	return string(content[start:end]), true
}

// Complete finishes a session with commit, discard or stash.
func (m *Manager) Complete(ctx context.Context, sessionID string, action Action) error {
	switch action {
	case ActionCommit:
		return m.commit(ctx, sessionID)
	case ActionDiscard:
		return m.discard(ctx, sessionID)
	case ActionStash:
		return m.stash(ctx, sessionID)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
}

// commit detects conflicts lazily against the current base, then applies
// every delta, the new base commit reference and the session teardown in a
// single atomic batch.
func (m *Manager) commit(ctx context.Context, sessionID string) error {
	timer := logging.StartTimer(logging.CategorySession, "commit")
	defer timer.Stop()

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	deltas := make([]*Delta, 0, len(sess.Deltas))
	for _, d := range sess.Deltas {
		deltas = append(deltas, d)
	}
	m.mu.Unlock()

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })

	// Lazy conflict detection: a delta path whose base content hash changed
	// since the session observed it fails the whole commit.
	var conflicts []string
	for _, d := range deltas {
		cur := ""
		if raw, err := m.store.Get(ctx, fileKey(d.Path)); err == nil {
			cur = contentHash(raw)
		}
		if cur != d.BaseHash {
			conflicts = append(conflicts, d.Path)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		logging.Session("Commit of %s rejected: %d conflicting paths", sessionID, len(conflicts))
		return &ConflictError{SessionID: sessionID, Paths: conflicts}
	}

	batch := store.NewBatch()
	for _, d := range deltas {
		batch.Put(fileKey(d.Path), d.NewContent)
		batch.Delete(deltaKey(sessionID, d.Path))
	}
	batch.Put(baseCommitKey, []byte(uuid.NewString()))
	batch.Delete(sessionKey(sessionID))
	if err := m.store.Apply(ctx, batch); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	logging.Session("Committed session %s (%d deltas)", sessionID, len(deltas))
	return nil
}

// discard drops the delta set and the session atomically.
func (m *Manager) discard(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	paths := make([]string, 0, len(sess.Deltas))
	for p := range sess.Deltas {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	batch := store.NewBatch()
	for _, p := range paths {
		batch.Delete(deltaKey(sessionID, p))
	}
	batch.Delete(sessionKey(sessionID))
	if err := m.store.Apply(ctx, batch); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	logging.Session("Discarded session %s", sessionID)
	return nil
}

// stash marks the session inactive but keeps its deltas.
func (m *Manager) stash(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.State = StateStashed
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persist(ctx, sess)
}

// Resume reactivates a stashed session.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.State = StateActive
	sess.LastActivity = time.Now().UTC()
	m.mu.Unlock()

	if err := m.enforceCap(ctx); err != nil {
		logging.Get(logging.CategorySession).Warn("session cap enforcement failed: %v", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persist(ctx, sess)
}

// Get returns a copy of a session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	return m.copyOf(sessionID)
}

func (m *Manager) copyOf(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	out := *sess
	out.Deltas = make(map[string]*Delta, len(sess.Deltas))
	for p, d := range sess.Deltas {
		copied := *d
		out.Deltas[p] = &copied
	}
	out.ScratchpadSymbols = append([]string(nil), sess.ScratchpadSymbols...)
	return &out, nil
}

// List returns all sessions, newest activity first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for id := range m.sessions {
		if s, err := m.copyOfLocked(id); err == nil {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func (m *Manager) copyOfLocked(sessionID string) (*Session, error) {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	out.Deltas = make(map[string]*Delta, len(sess.Deltas))
	for p, d := range sess.Deltas {
		copied := *d
		out.Deltas[p] = &copied
	}
	return &out, nil
}

// BaseGet reads a path's content from the base store.
func (m *Manager) BaseGet(ctx context.Context, p string) ([]byte, error) {
	return m.store.Get(ctx, fileKey(p))
}

// enforceCap stashes least-recently-active sessions above the configured
// maximum.
func (m *Manager) enforceCap(ctx context.Context) error {
	m.mu.Lock()
	var active []*Session
	for _, s := range m.sessions {
		if s.State == StateActive {
			active = append(active, s)
		}
	}
	var toStash []*Session
	if len(active) > m.cfg.MaxSessions {
		sort.Slice(active, func(i, j int) bool { return active[i].LastActivity.Before(active[j].LastActivity) })
		toStash = active[:len(active)-m.cfg.MaxSessions]
		for _, s := range toStash {
			s.State = StateStashed
		}
	}
	m.mu.Unlock()

	for _, s := range toStash {
		m.mu.RLock()
		err := m.persist(ctx, s)
		m.mu.RUnlock()
		if err != nil {
			return err
		}
		logging.Session("Auto-stashed session %s (over cap)", s.ID)
	}
	return nil
}

// StashIdle stashes active sessions idle past the timeout. Never discards.
func (m *Manager) StashIdle(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.State == StateActive && now.Sub(s.LastActivity) > m.cfg.IdleTimeout {
			s.State = StateStashed
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.mu.RLock()
		err := m.persist(ctx, s)
		m.mu.RUnlock()
		if err != nil {
			return err
		}
		logging.Session("Auto-stashed idle session %s", s.ID)
	}
	return nil
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
