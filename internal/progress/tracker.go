package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// Tracker is the task store. Every mutation maintains the main record and
// the five secondary indexes (status, spec, priority, tag, session) in one
// atomic batch; an LRU cache fronts reads.
type Tracker struct {
	mu    sync.RWMutex
	store *store.Store
	cache *taskCache

	// dependents is the reverse dependency adjacency, rebuilt at open.
	dependents map[string]map[string]struct{}
}

// NewTracker opens the tracker, rebuilding the reverse dependency map.
func NewTracker(ctx context.Context, s *store.Store) (*Tracker, error) {
	timer := logging.StartTimer(logging.CategoryProgress, "NewTracker")
	defer timer.Stop()

	t := &Tracker{
		store:      s,
		cache:      newTaskCache(256),
		dependents: make(map[string]map[string]struct{}),
	}
	count := 0
	err := s.Scan(ctx, []byte("task:"), func(key, value []byte) bool {
		var task Task
		if uerr := json.Unmarshal(value, &task); uerr != nil {
			logging.Get(logging.CategoryProgress).Warn("skipping unreadable task %s: %v", key, uerr)
			return true
		}
		for _, dep := range task.DependsOn {
			t.addDependentLocked(dep, task.ID)
		}
		count++
		return true
	})
	if err != nil {
		return nil, err
	}
	logging.Progress("Task tracker opened (%d tasks)", count)
	return t, nil
}

func taskKey(id string) []byte { return []byte("task:" + id) }

func idxStatusKey(s Status, id string) []byte {
	return []byte(fmt.Sprintf("idx_status:%s:%s", s, id))
}
func idxSpecKey(spec, id string) []byte {
	return []byte(fmt.Sprintf("idx_spec:%s:%s", spec, id))
}
func idxPriorityKey(p Priority, id string) []byte {
	return []byte(fmt.Sprintf("idx_priority:%s:%s", p, id))
}
func idxTagKey(tag, id string) []byte {
	return []byte(fmt.Sprintf("idx_tag:%s:%s", tag, id))
}
func idxSessionKey(sessionID, id string) []byte {
	return []byte(fmt.Sprintf("idx_session:%s:%s", sessionID, id))
}

func (t *Tracker) addDependentLocked(dep, id string) {
	m, ok := t.dependents[dep]
	if !ok {
		m = make(map[string]struct{})
		t.dependents[dep] = m
	}
	m[id] = struct{}{}
}

// addIndexes queues the secondary index keys for a task.
func addIndexes(b *store.Batch, task *Task) {
	b.Put(idxStatusKey(task.Status, task.ID), []byte{})
	b.Put(idxPriorityKey(task.Priority, task.ID), []byte{})
	if task.SpecReference != "" {
		b.Put(idxSpecKey(task.SpecReference, task.ID), []byte{})
	}
	for _, tag := range task.Tags {
		b.Put(idxTagKey(tag, task.ID), []byte{})
	}
	if task.SessionID != "" {
		b.Put(idxSessionKey(task.SessionID, task.ID), []byte{})
	}
}

// removeIndexes queues removal of a task's secondary index keys.
func removeIndexes(b *store.Batch, task *Task) {
	b.Delete(idxStatusKey(task.Status, task.ID))
	b.Delete(idxPriorityKey(task.Priority, task.ID))
	if task.SpecReference != "" {
		b.Delete(idxSpecKey(task.SpecReference, task.ID))
	}
	for _, tag := range task.Tags {
		b.Delete(idxTagKey(tag, task.ID))
	}
	if task.SessionID != "" {
		b.Delete(idxSessionKey(task.SessionID, task.ID))
	}
}

// Create stores a new task in pending state.
func (t *Tracker) Create(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.Title) == "" {
		return Task{}, fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if !ValidPriority(task.Priority) {
		return Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, task.Priority)
	}

	task.ID = uuid.NewString()
	task.Status = StatusPending
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.History = nil
	task.SchemaVersion = taskSchemaVersion

	if len(task.DependsOn) > 0 {
		t.mu.Lock()
		for _, dep := range task.DependsOn {
			if _, err := t.loadLocked(ctx, dep); err != nil {
				t.mu.Unlock()
				return Task{}, fmt.Errorf("%w: dependency %s", ErrNotFound, dep)
			}
		}
		for _, dep := range task.DependsOn {
			t.addDependentLocked(dep, task.ID)
		}
		t.mu.Unlock()
	}

	if err := t.write(ctx, nil, &task); err != nil {
		return Task{}, err
	}
	logging.Progress("Created task %s (%q, priority=%s)", task.ID, task.Title, task.Priority)
	return task, nil
}

// write persists a task and maintains indexes atomically. old is nil for
// creations.
func (t *Tracker) write(ctx context.Context, old, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	batch := store.NewBatch()
	if old != nil {
		removeIndexes(batch, old)
	}
	batch.Put(taskKey(task.ID), data)
	addIndexes(batch, task)
	if err := t.store.Apply(ctx, batch); err != nil {
		return err
	}
	t.cache.put(*task)
	return nil
}

// loadLocked reads a task through the cache; call with t.mu held (any mode)
// only for existence checks, otherwise use Get.
func (t *Tracker) loadLocked(ctx context.Context, id string) (Task, error) {
	if task, ok := t.cache.get(id); ok {
		return task, nil
	}
	raw, err := t.store.Get(ctx, taskKey(id))
	if err != nil {
		if isNotFound(err) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Task{}, err
	}
	var task Task
	if uerr := json.Unmarshal(raw, &task); uerr != nil {
		return Task{}, fmt.Errorf("task %s: %w: %v", id, store.ErrCorrupt, uerr)
	}
	t.cache.put(task)
	return task, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// Get returns one task.
func (t *Tracker) Get(ctx context.Context, id string) (Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadLocked(ctx, id)
}

// ApplyUpdate patches task fields, keeping indexes in step.
func (t *Tracker) ApplyUpdate(ctx context.Context, id string, u Update) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return Task{}, err
	}
	old := task

	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return Task{}, fmt.Errorf("%w: title required", ErrInvalidInput)
		}
		task.Title = *u.Title
	}
	if u.Description != nil {
		task.Description = *u.Description
	}
	if u.Priority != nil {
		if !ValidPriority(*u.Priority) {
			return Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, *u.Priority)
		}
		task.Priority = *u.Priority
	}
	if u.SpecReference != nil {
		task.SpecReference = *u.SpecReference
	}
	if u.Tags != nil {
		task.Tags = *u.Tags
	}
	if u.SessionID != nil {
		task.SessionID = *u.SessionID
	}
	if u.Estimates != nil {
		task.Estimates = *u.Estimates
	}
	if u.Actuals != nil {
		task.Actuals = *u.Actuals
	}
	if u.Related != nil {
		task.Related = *u.Related
	}
	task.UpdatedAt = time.Now().UTC()

	if err := t.write(ctx, &old, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Transition moves a task through the state machine. It validates the
// matrix, refuses in_progress while dependencies are unmet, appends to
// history, and on done auto-unblocks dependents whose remaining
// dependencies are all met.
func (t *Tracker) Transition(ctx context.Context, id string, to Status, note string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(ctx, id, to, note)
}

func (t *Tracker) transitionLocked(ctx context.Context, id string, to Status, note string) (Task, error) {
	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if !CanTransition(task.Status, to) {
		return Task{}, invalidTransition(task.Status, to)
	}
	if to == StatusInProgress {
		met, uerr := t.dependenciesMetLocked(ctx, &task)
		if uerr != nil {
			return Task{}, uerr
		}
		if !met {
			return Task{}, fmt.Errorf("%w: task %s has unmet dependencies", ErrInvalidInput, id)
		}
	}

	old := task
	now := time.Now().UTC()
	task.History = append(task.History, StatusTransition{From: task.Status, To: to, At: now, Note: note})
	task.Status = to
	task.UpdatedAt = now

	if err := t.write(ctx, &old, &task); err != nil {
		return Task{}, err
	}
	logging.Progress("Task %s: %s -> %s", id, old.Status, to)

	if to == StatusDone {
		t.unblockDependentsLocked(ctx, id)
	}
	return task, nil
}

// dependenciesMetLocked reports whether every dependency is done.
func (t *Tracker) dependenciesMetLocked(ctx context.Context, task *Task) (bool, error) {
	for _, dep := range task.DependsOn {
		depTask, err := t.loadLocked(ctx, dep)
		if err != nil {
			return false, err
		}
		if depTask.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// unblockDependentsLocked walks the reverse adjacency of a completed task
// and moves blocked dependents whose dependencies are now all met back to
// pending. Promotion to in_progress stays with the caller.
func (t *Tracker) unblockDependentsLocked(ctx context.Context, doneID string) {
	for depID := range t.dependents[doneID] {
		depTask, err := t.loadLocked(ctx, depID)
		if err != nil {
			continue
		}
		if depTask.Status != StatusBlocked {
			continue
		}
		met, err := t.dependenciesMetLocked(ctx, &depTask)
		if err != nil || !met {
			continue
		}
		if _, err := t.transitionLocked(ctx, depID, StatusPending, "auto-unblocked: dependencies met"); err != nil {
			logging.Get(logging.CategoryProgress).Warn("auto-unblock of %s failed: %v", depID, err)
		}
	}
}

// CanStart reports whether a task could enter in_progress right now.
func (t *Tracker) CanStart(ctx context.Context, id string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return false, err
	}
	if !CanTransition(task.Status, StatusInProgress) {
		return false, nil
	}
	return t.dependenciesMetLocked(ctx, &task)
}

// AddDependency makes task depend on dep, refusing cycles with Conflict and
// leaving the graph unchanged on refusal.
func (t *Tracker) AddDependency(ctx context.Context, id, dep string) error {
	if id == dep {
		return fmt.Errorf("%w: task cannot depend on itself", ErrConflict)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if _, err := t.loadLocked(ctx, dep); err != nil {
		return err
	}
	for _, existing := range task.DependsOn {
		if existing == dep {
			return nil
		}
	}

	// dep -> ... -> id already? Then id -> dep closes a cycle.
	if t.reachesLocked(ctx, id, dep) {
		return fmt.Errorf("%w: dependency %s -> %s introduces a cycle", ErrConflict, id, dep)
	}

	old := task
	task.DependsOn = append(task.DependsOn, dep)
	task.UpdatedAt = time.Now().UTC()
	if err := t.write(ctx, &old, &task); err != nil {
		return err
	}
	t.addDependentLocked(dep, id)
	return nil
}

// reachesLocked reports whether target is reachable by following DependsOn
// edges starting at start.
func (t *Tracker) reachesLocked(ctx context.Context, target, start string) bool {
	seen := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		task, err := t.loadLocked(ctx, cur)
		if err != nil {
			continue
		}
		for _, dep := range task.DependsOn {
			if dep == target {
				return true
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return false
}

// RemoveDependency deletes a dependency edge.
func (t *Tracker) RemoveDependency(ctx context.Context, id, dep string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	old := task
	out := task.DependsOn[:0]
	found := false
	for _, existing := range task.DependsOn {
		if existing == dep {
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		return fmt.Errorf("%w: dependency %s on %s", ErrNotFound, dep, id)
	}
	task.DependsOn = append([]string(nil), out...)
	task.UpdatedAt = time.Now().UTC()
	if err := t.write(ctx, &old, &task); err != nil {
		return err
	}
	if m, ok := t.dependents[dep]; ok {
		delete(m, id)
	}
	return nil
}

// Dependencies returns a task's direct dependencies.
func (t *Tracker) Dependencies(ctx context.Context, id string) ([]Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if d, derr := t.loadLocked(ctx, dep); derr == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Dependents returns the tasks that depend on id.
func (t *Tracker) Dependents(ctx context.Context, id string) ([]Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, err := t.loadLocked(ctx, id); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.dependents[id]))
	for depID := range t.dependents[id] {
		ids = append(ids, depID)
	}
	sort.Strings(ids)
	out := make([]Task, 0, len(ids))
	for _, depID := range ids {
		if d, derr := t.loadLocked(ctx, depID); derr == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// History returns a task's transition history.
func (t *Tracker) History(ctx context.Context, id string) ([]StatusTransition, error) {
	task, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return task.History, nil
}

// Delete removes a task, its indexes, and its edges.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	batch := store.NewBatch()
	removeIndexes(batch, &task)
	batch.Delete(taskKey(id))
	if err := t.store.Apply(ctx, batch); err != nil {
		return err
	}
	t.cache.invalidate(id)
	for _, dep := range task.DependsOn {
		if m, ok := t.dependents[dep]; ok {
			delete(m, id)
		}
	}
	delete(t.dependents, id)
	logging.Progress("Deleted task %s", id)
	return nil
}

// Page is a paginated result.
type Page struct {
	Tasks   []Task `json:"tasks"`
	HasMore bool   `json:"has_more"`
}

// List returns tasks matching the filters, newest first, paginated.
func (t *Tracker) List(ctx context.Context, f Filters, offset, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	ids, err := t.filterIDs(ctx, f)
	if err != nil {
		return Page{}, err
	}

	t.mu.RLock()
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, lerr := t.loadLocked(ctx, id)
		if lerr != nil {
			continue
		}
		if !matches(&task, f) {
			continue
		}
		tasks = append(tasks, task)
	}
	t.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	if offset >= len(tasks) {
		return Page{}, nil
	}
	end := offset + pageSize
	hasMore := end < len(tasks)
	if end > len(tasks) {
		end = len(tasks)
	}
	return Page{Tasks: tasks[offset:end], HasMore: hasMore}, nil
}

// filterIDs picks the most selective secondary index for the filter set,
// falling back to a full task scan.
func (t *Tracker) filterIDs(ctx context.Context, f Filters) ([]string, error) {
	var prefix []byte
	switch {
	case f.SessionID != "":
		prefix = []byte("idx_session:" + f.SessionID + ":")
	case f.SpecReference != "":
		prefix = []byte("idx_spec:" + f.SpecReference + ":")
	case f.Tag != "":
		prefix = []byte("idx_tag:" + f.Tag + ":")
	case f.Status != "":
		prefix = []byte("idx_status:" + string(f.Status) + ":")
	case f.Priority != "":
		prefix = []byte("idx_priority:" + string(f.Priority) + ":")
	default:
		prefix = []byte("task:")
	}

	var ids []string
	err := t.store.Scan(ctx, prefix, func(key, value []byte) bool {
		k := string(key)
		ids = append(ids, k[strings.LastIndex(k, ":")+1:])
		return true
	})
	return ids, err
}

func matches(task *Task, f Filters) bool {
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.Priority != "" && task.Priority != f.Priority {
		return false
	}
	if f.SpecReference != "" && task.SpecReference != f.SpecReference {
		return false
	}
	if f.SessionID != "" && task.SessionID != f.SessionID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range task.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Search matches tasks by substring over title and description.
func (t *Tracker) Search(ctx context.Context, query string, f Filters, offset, pageSize int) (Page, error) {
	page, err := t.List(ctx, f, 0, 1<<30)
	if err != nil {
		return Page{}, err
	}
	q := strings.ToLower(query)
	var hits []Task
	for _, task := range page.Tasks {
		if strings.Contains(strings.ToLower(task.Title), q) || strings.Contains(strings.ToLower(task.Description), q) {
			hits = append(hits, task)
		}
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if offset >= len(hits) {
		return Page{}, nil
	}
	end := offset + pageSize
	hasMore := end < len(hits)
	if end > len(hits) {
		end = len(hits)
	}
	return Page{Tasks: hits[offset:end], HasMore: hasMore}, nil
}

// LinkToSpec binds a task to a spec reference, maintaining the spec index.
func (t *Tracker) LinkToSpec(ctx context.Context, id, specRef string) (Task, error) {
	return t.ApplyUpdate(ctx, id, Update{SpecReference: &specRef})
}

// ProgressStats aggregates status counts for tasks matching the filters.
func (t *Tracker) ProgressStats(ctx context.Context, f Filters) (Stats, error) {
	page, err := t.List(ctx, f, 0, 1<<30)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, task := range page.Tasks {
		stats.Total++
		stats.ByStatus[task.Status]++
	}
	stats.Done = stats.ByStatus[StatusDone]
	if stats.Total > 0 {
		stats.Completion = float64(stats.Done) / float64(stats.Total)
	}
	return stats, nil
}

// MarkComplete transitions a task to done and records the solution summary.
// The engine layer additionally records an episodic memory entry from the
// session scratchpad.
func (t *Tracker) MarkComplete(ctx context.Context, id, solutionSummary string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.loadLocked(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if task.Status != StatusDone {
		if _, terr := t.transitionLocked(ctx, id, StatusDone, "completed"); terr != nil {
			return Task{}, terr
		}
	}

	task, err = t.loadLocked(ctx, id)
	if err != nil {
		return Task{}, err
	}
	old := task
	task.SolutionSummary = solutionSummary
	task.UpdatedAt = time.Now().UTC()
	if err := t.write(ctx, &old, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}
