package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meridian/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
	)
}

func openManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m, err := NewManager(context.Background(), s, cfg, nil)
	require.NoError(t, err)
	return m, s
}

func TestCommitAppliesDeltasToBase(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	sess, err := m.Begin(ctx, "add constructor", nil)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, sess.ID, "/a.rs", []byte("fn new(){}"), false))
	require.NoError(t, m.Complete(ctx, sess.ID, ActionCommit))

	got, err := m.BaseGet(ctx, "/a.rs")
	require.NoError(t, err)
	require.Equal(t, "fn new(){}", string(got))

	// The session is gone.
	_, err = m.Get(sess.ID)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Empty(t, m.List())
}

func TestDeltasNeverTouchBaseBeforeCommit(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	sess, err := m.Begin(ctx, "edit", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, sess.ID, "/b.go", []byte("package b"), false))

	_, err = m.BaseGet(ctx, "/b.go")
	require.True(t, errors.Is(err, store.ErrNotFound))

	// Discard drops the overlay without a trace.
	require.NoError(t, m.Complete(ctx, sess.ID, ActionDiscard))
	_, err = m.BaseGet(ctx, "/b.go")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestConflictScenario(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	s1, err := m.Begin(ctx, "first", nil)
	require.NoError(t, err)
	s2, err := m.Begin(ctx, "second", nil)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, s1.ID, "/b.rs", []byte("one"), false))
	require.NoError(t, m.Update(ctx, s2.ID, "/b.rs", []byte("two"), false))

	require.NoError(t, m.Complete(ctx, s1.ID, ActionCommit))

	err = m.Complete(ctx, s2.ID, ActionCommit)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{"/b.rs"}, conflict.Paths)

	// S2 is still listable and uncommitted.
	_, gerr := m.Get(s2.ID)
	require.NoError(t, gerr)

	got, err := m.BaseGet(ctx, "/b.rs")
	require.NoError(t, err)
	require.Equal(t, "one", string(got))
}

func TestDisjointPathsBothCommit(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	s1, err := m.Begin(ctx, "first", nil)
	require.NoError(t, err)
	s2, err := m.Begin(ctx, "second", nil)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, s1.ID, "/x.go", []byte("x"), false))
	require.NoError(t, m.Update(ctx, s2.ID, "/y.go", []byte("y"), false))

	require.NoError(t, m.Complete(ctx, s1.ID, ActionCommit))
	require.NoError(t, m.Complete(ctx, s2.ID, ActionCommit))
}

func TestEmptyCommitIsNoOp(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.store.Put(ctx, fileKey("/k.go"), []byte("base")))

	sess, err := m.Begin(ctx, "noop", nil)
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, sess.ID, ActionCommit))

	got, err := m.BaseGet(ctx, "/k.go")
	require.NoError(t, err)
	require.Equal(t, "base", string(got))
}

func TestStashAndResume(t *testing.T) {
	m, s := openManager(t, Config{})
	ctx := context.Background()

	sess, err := m.Begin(ctx, "long running", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, sess.ID, "/w.go", []byte("wip"), false))
	require.NoError(t, m.Complete(ctx, sess.ID, ActionStash))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateStashed, got.State)

	// Updates are rejected while stashed.
	err = m.Update(ctx, sess.ID, "/w.go", []byte("more"), false)
	require.True(t, errors.Is(err, ErrNotActive))

	require.NoError(t, m.Resume(ctx, sess.ID))
	require.NoError(t, m.Update(ctx, sess.ID, "/w.go", []byte("more"), false))

	// Stashed deltas survive a restart.
	m2, err := NewManager(ctx, s, Config{}, nil)
	require.NoError(t, err)
	restored, err := m2.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "more", string(restored.Deltas["/w.go"].NewContent))
}

func TestSessionCapStashesLRU(t *testing.T) {
	m, _ := openManager(t, Config{MaxSessions: 2})
	ctx := context.Background()

	s1, err := m.Begin(ctx, "one", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.Begin(ctx, "two", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = m.Begin(ctx, "three", nil)
	require.NoError(t, err)

	oldest, err := m.Get(s1.ID)
	require.NoError(t, err)
	require.Equal(t, StateStashed, oldest.State)

	active := 0
	for _, s := range m.List() {
		if s.State == StateActive {
			active++
		}
	}
	require.Equal(t, 2, active)
}

func TestIdleTimeoutStashesNeverDiscards(t *testing.T) {
	m, _ := openManager(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	sess, err := m.Begin(ctx, "idle", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, sess.ID, "/i.go", []byte("wip"), false))

	require.NoError(t, m.StashIdle(ctx, time.Now().Add(2*time.Minute)))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateStashed, got.State)
	require.Len(t, got.Deltas, 1)
}

func TestQueryPrefersSession(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.store.Put(ctx, fileKey("/q.go"), []byte("func Old() {}")))

	sess, err := m.Begin(ctx, "query", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, sess.ID, "/q.go", []byte("func Renamed() {}"), false))

	hits, err := m.Query(ctx, sess.ID, "func", true)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.True(t, hits[0].FromSession)
	require.Contains(t, hits[0].Excerpt, "Renamed")

	// Without preference the base copy answers.
	hits, err = m.Query(ctx, sess.ID, "func", false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.False(t, hits[0].FromSession)
}

func TestScopeEnforced(t *testing.T) {
	m, _ := openManager(t, Config{})
	ctx := context.Background()

	sess, err := m.Begin(ctx, "scoped", []string{"src/*"})
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, sess.ID, "src/ok.go", []byte("x"), false))
	err = m.Update(ctx, sess.ID, "docs/readme.md", []byte("x"), false)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestScratchpadSymbolsFromReindex(t *testing.T) {
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reindex := func(path string, content []byte) []string {
		return []string{"sym:" + path}
	}
	m, err := NewManager(context.Background(), s, Config{}, reindex)
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := m.Begin(ctx, "reindex", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, sess.ID, "/r.go", []byte("package r"), true))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"sym:/r.go"}, got.ScratchpadSymbols)
}
