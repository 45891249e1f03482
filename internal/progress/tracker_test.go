package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/store"
)

func openTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr, err := NewTracker(context.Background(), s)
	require.NoError(t, err)
	return tr, s
}

func TestTaskLifecycleScenario(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	t1, err := tr.Create(ctx, Task{Title: "implement retry", Priority: PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, StatusPending, t1.Status)

	_, err = tr.Transition(ctx, t1.ID, StatusInProgress, "")
	require.NoError(t, err)

	_, err = tr.Transition(ctx, t1.ID, StatusBlocked, "waiting on review")
	require.NoError(t, err)

	// blocked -> done is not permitted.
	_, err = tr.Transition(ctx, t1.ID, StatusDone, "")
	require.True(t, errors.Is(err, ErrInvalidInput))

	_, err = tr.Transition(ctx, t1.ID, StatusInProgress, "")
	require.NoError(t, err)
	got, err := tr.Transition(ctx, t1.ID, StatusDone, "")
	require.NoError(t, err)

	require.Len(t, got.History, 4)
	require.Equal(t, StatusDone, got.History[len(got.History)-1].To)
	require.Equal(t, StatusDone, got.Status)

	stats, err := tr.ProgressStats(ctx, Filters{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Done)

	// Terminal states admit nothing.
	_, err = tr.Transition(ctx, t1.ID, StatusPending, "")
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestHistoryLastEntryMatchesStatus(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, Task{Title: "invariant check"})
	require.NoError(t, err)

	for _, to := range []Status{StatusInProgress, StatusBlocked, StatusInProgress, StatusDone} {
		got, terr := tr.Transition(ctx, task.ID, to, "")
		require.NoError(t, terr)
		require.Equal(t, to, got.Status)
		require.Equal(t, to, got.History[len(got.History)-1].To)
		require.True(t, CanTransition(got.History[len(got.History)-1].From, to))
	}
}

func TestDependencyAutoUnblockScenario(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	t1, err := tr.Create(ctx, Task{Title: "base work"})
	require.NoError(t, err)
	t2, err := tr.Create(ctx, Task{Title: "follow-up", DependsOn: []string{t1.ID}})
	require.NoError(t, err)

	ok, err := tr.CanStart(ctx, t2.ID)
	require.NoError(t, err)
	require.False(t, ok)

	// Entering in_progress with unmet dependencies is refused.
	_, err = tr.Transition(ctx, t2.ID, StatusInProgress, "")
	require.True(t, errors.Is(err, ErrInvalidInput))

	_, err = tr.Transition(ctx, t1.ID, StatusInProgress, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, t1.ID, StatusDone, "")
	require.NoError(t, err)

	ok, err = tr.CanStart(ctx, t2.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// T2 stays pending until an explicit transition.
	got, err := tr.Get(ctx, t2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestDoneUnblocksBlockedDependents(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	t1, err := tr.Create(ctx, Task{Title: "dependency"})
	require.NoError(t, err)
	t2, err := tr.Create(ctx, Task{Title: "dependent", DependsOn: []string{t1.ID}})
	require.NoError(t, err)

	// Park the dependent in blocked.
	_, err = tr.Transition(ctx, t2.ID, StatusInProgress, "")
	require.Error(t, err) // unmet deps
	// blocked is only reachable from in_progress, so walk t2 there after
	// satisfying deps... instead mark it blocked through the matrix once
	// it is legally in progress is impossible; blocked stays reachable
	// only via in_progress. Exercise auto-unblock through that path.
	_, err = tr.Transition(ctx, t1.ID, StatusInProgress, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, t1.ID, StatusDone, "")
	require.NoError(t, err)

	_, err = tr.Transition(ctx, t2.ID, StatusInProgress, "")
	require.NoError(t, err)

	t3, err := tr.Create(ctx, Task{Title: "second dependency"})
	require.NoError(t, err)
	require.NoError(t, tr.AddDependency(ctx, t2.ID, t3.ID))

	_, err = tr.Transition(ctx, t2.ID, StatusBlocked, "waiting on t3")
	require.NoError(t, err)

	_, err = tr.Transition(ctx, t3.ID, StatusInProgress, "")
	require.NoError(t, err)
	_, err = tr.Transition(ctx, t3.ID, StatusDone, "")
	require.NoError(t, err)

	got, err := tr.Get(ctx, t2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status, "blocked dependent auto-unblocks to pending")
}

func TestCircularDependencyIsConflict(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	a, err := tr.Create(ctx, Task{Title: "a"})
	require.NoError(t, err)
	b, err := tr.Create(ctx, Task{Title: "b"})
	require.NoError(t, err)
	c, err := tr.Create(ctx, Task{Title: "c"})
	require.NoError(t, err)

	require.NoError(t, tr.AddDependency(ctx, b.ID, a.ID))
	require.NoError(t, tr.AddDependency(ctx, c.ID, b.ID))

	err = tr.AddDependency(ctx, a.ID, c.ID)
	require.True(t, errors.Is(err, ErrConflict))

	// Graph unchanged.
	got, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, got.DependsOn)

	err = tr.AddDependency(ctx, a.ID, a.ID)
	require.True(t, errors.Is(err, ErrConflict))
}

func TestSecondaryIndexesMaintained(t *testing.T) {
	tr, s := openTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, Task{Title: "indexed", Priority: PriorityHigh, Tags: []string{"infra"}})
	require.NoError(t, err)

	countPrefix := func(prefix string) int {
		n := 0
		require.NoError(t, s.Scan(ctx, []byte(prefix), func(k, v []byte) bool { n++; return true }))
		return n
	}

	require.Equal(t, 1, countPrefix("idx_status:pending:"))
	require.Equal(t, 1, countPrefix("idx_priority:high:"))
	require.Equal(t, 1, countPrefix("idx_tag:infra:"))

	_, err = tr.Transition(ctx, task.ID, StatusInProgress, "")
	require.NoError(t, err)
	require.Equal(t, 0, countPrefix("idx_status:pending:"))
	require.Equal(t, 1, countPrefix("idx_status:in_progress:"))

	require.NoError(t, tr.Delete(ctx, task.ID))
	require.Equal(t, 0, countPrefix("idx_status:"))
	require.Equal(t, 0, countPrefix("idx_priority:"))
	require.Equal(t, 0, countPrefix("idx_tag:"))
}

func TestListPaginationAndFilters(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.Create(ctx, Task{Title: "task", Priority: PriorityLow, Tags: []string{"batch"}})
		require.NoError(t, err)
	}
	_, err := tr.Create(ctx, Task{Title: "other", Priority: PriorityHigh})
	require.NoError(t, err)

	page, err := tr.List(ctx, Filters{Tag: "batch"}, 0, 3)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 3)
	require.True(t, page.HasMore)

	page, err = tr.List(ctx, Filters{Tag: "batch"}, 3, 3)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	require.False(t, page.HasMore)

	page, err = tr.List(ctx, Filters{Priority: PriorityHigh}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	require.Equal(t, "other", page.Tasks[0].Title)
}

func TestMarkCompleteAndSearch(t *testing.T) {
	tr, _ := openTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, Task{Title: "fix flaky store test", Description: "snapshot isolation"})
	require.NoError(t, err)

	done, err := tr.MarkComplete(ctx, task.ID, "pinned the read transaction")
	require.NoError(t, err)
	require.Equal(t, StatusDone, done.Status)
	require.Equal(t, "pinned the read transaction", done.SolutionSummary)

	page, err := tr.Search(ctx, "snapshot", Filters{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
}

func TestTrackerPersistsAcrossReopen(t *testing.T) {
	tr, s := openTracker(t)
	ctx := context.Background()

	t1, err := tr.Create(ctx, Task{Title: "persisted"})
	require.NoError(t, err)
	t2, err := tr.Create(ctx, Task{Title: "child", DependsOn: []string{t1.ID}})
	require.NoError(t, err)

	tr2, err := NewTracker(ctx, s)
	require.NoError(t, err)

	deps, err := tr2.Dependents(ctx, t1.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, t2.ID, deps[0].ID)
}
