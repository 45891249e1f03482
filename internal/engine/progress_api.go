package engine

import (
	"context"
	"time"

	"meridian/internal/logging"
	"meridian/internal/memory"
	"meridian/internal/progress"
)

// =============================================================================
// progress.* operations
// =============================================================================

// CreateTask stores a new task in pending state.
func (e *Engine) CreateTask(ctx context.Context, task progress.Task) (progress.Task, error) {
	start := time.Now()
	out, err := e.tracker.Create(ctx, task)
	e.observe("progress.create_task", start, err, 0)
	return out, err
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (progress.Task, error) {
	start := time.Now()
	out, err := e.tracker.Get(ctx, id)
	e.observe("progress.get_task", start, err, 0)
	return out, err
}

// UpdateTask patches task fields.
func (e *Engine) UpdateTask(ctx context.Context, id string, u progress.Update) (progress.Task, error) {
	start := time.Now()
	out, err := e.tracker.ApplyUpdate(ctx, id, u)
	e.observe("progress.update_task", start, err, 0)
	return out, err
}

// TransitionTask moves a task through the state machine.
func (e *Engine) TransitionTask(ctx context.Context, id string, to progress.Status, note string) (progress.Task, error) {
	start := time.Now()
	out, err := e.tracker.Transition(ctx, id, to, note)
	e.observe("progress.transition_task", start, err, 0)
	return out, err
}

// ListTasks returns filtered tasks, paginated.
func (e *Engine) ListTasks(ctx context.Context, f progress.Filters, offset, pageSize int) (progress.Page, error) {
	start := time.Now()
	out, err := e.tracker.List(ctx, f, offset, pageSize)
	e.observe("progress.list_tasks", start, err, 0)
	return out, err
}

// SearchTasks matches tasks by text, paginated.
func (e *Engine) SearchTasks(ctx context.Context, query string, f progress.Filters, offset, pageSize int) (progress.Page, error) {
	start := time.Now()
	out, err := e.tracker.Search(ctx, query, f, offset, pageSize)
	e.observe("progress.search_tasks", start, err, 0)
	return out, err
}

// DeleteTask removes a task.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	start := time.Now()
	err := e.tracker.Delete(ctx, id)
	e.observe("progress.delete_task", start, err, 0)
	return err
}

// GetProgress aggregates status counts.
func (e *Engine) GetProgress(ctx context.Context, f progress.Filters) (progress.Stats, error) {
	start := time.Now()
	out, err := e.tracker.ProgressStats(ctx, f)
	e.observe("progress.get_progress", start, err, 0)
	return out, err
}

// LinkTaskToSpec binds a task to a spec reference.
func (e *Engine) LinkTaskToSpec(ctx context.Context, id, specRef string) (progress.Task, error) {
	start := time.Now()
	out, err := e.tracker.LinkToSpec(ctx, id, specRef)
	e.observe("progress.link_to_spec", start, err, 0)
	return out, err
}

// GetTaskHistory returns a task's transition history.
func (e *Engine) GetTaskHistory(ctx context.Context, id string) ([]progress.StatusTransition, error) {
	start := time.Now()
	out, err := e.tracker.History(ctx, id)
	e.observe("progress.get_history", start, err, 0)
	return out, err
}

// AddTaskDependency adds an edge, refusing cycles.
func (e *Engine) AddTaskDependency(ctx context.Context, id, dep string) error {
	start := time.Now()
	err := e.tracker.AddDependency(ctx, id, dep)
	e.observe("progress.add_dependency", start, err, 0)
	return err
}

// RemoveTaskDependency removes an edge.
func (e *Engine) RemoveTaskDependency(ctx context.Context, id, dep string) error {
	start := time.Now()
	err := e.tracker.RemoveDependency(ctx, id, dep)
	e.observe("progress.remove_dependency", start, err, 0)
	return err
}

// GetTaskDependencies returns a task's direct dependencies.
func (e *Engine) GetTaskDependencies(ctx context.Context, id string) ([]progress.Task, error) {
	return e.tracker.Dependencies(ctx, id)
}

// GetTaskDependents returns the tasks depending on id.
func (e *Engine) GetTaskDependents(ctx context.Context, id string) ([]progress.Task, error) {
	return e.tracker.Dependents(ctx, id)
}

// CanStartTask reports whether a task could enter in_progress now.
func (e *Engine) CanStartTask(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	out, err := e.tracker.CanStart(ctx, id)
	e.observe("progress.can_start_task", start, err, 0)
	return out, err
}

// MarkTaskComplete transitions a task to done, records the solution
// summary, and writes an episodic memory entry derived from the task's
// session scratchpad so the completion feeds future retrievals.
func (e *Engine) MarkTaskComplete(ctx context.Context, id, solutionSummary string) (progress.Task, error) {
	start := time.Now()
	task, err := e.tracker.MarkComplete(ctx, id, solutionSummary)
	if err != nil {
		e.observe("progress.mark_complete", start, err, 0)
		return progress.Task{}, err
	}

	ep := memory.Episode{
		TaskDescription: task.Title,
		Outcome:         memory.OutcomeSuccess,
		SolutionPath:    []string{solutionSummary},
		Duration:        task.Actuals.Elapsed,
		TokensUsed:      task.Actuals.Tokens,
	}
	if task.SessionID != "" {
		if sess, serr := e.sessions.Get(task.SessionID); serr == nil {
			for p := range sess.Deltas {
				ep.FilesAccessed = append(ep.FilesAccessed, p)
			}
			ep.SymbolsUsed = append([]string(nil), sess.ScratchpadSymbols...)
		}
	}
	if _, rerr := e.episodic.Record(ctx, ep); rerr != nil {
		logging.Get(logging.CategoryProgress).Warn("episode recording for completed task %s failed: %v", id, rerr)
	}

	e.observe("progress.mark_complete", start, nil, 0)
	return task, nil
}
