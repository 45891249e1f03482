package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/logging"
	"meridian/internal/store"
)

// Procedural stores how-to sequences under procedure:{id}, learned by
// aligning successful episodes of the same task type.
type Procedural struct {
	mu         sync.RWMutex
	store      *store.Store
	procedures map[string]*Procedure
	byTaskType map[string]string // task type -> procedure id
}

// NewProcedural opens the procedural tier.
func NewProcedural(ctx context.Context, s *store.Store) (*Procedural, error) {
	p := &Procedural{
		store:      s,
		procedures: make(map[string]*Procedure),
		byTaskType: make(map[string]string),
	}
	err := s.Scan(ctx, []byte("procedure:"), func(key, value []byte) bool {
		var proc Procedure
		if uerr := json.Unmarshal(value, &proc); uerr != nil {
			logging.Get(logging.CategoryProcedural).Warn("skipping unreadable procedure %s: %v", key, uerr)
			return true
		}
		p.procedures[proc.ID] = &proc
		p.byTaskType[proc.TaskType] = proc.ID
		return true
	})
	if err != nil {
		return nil, err
	}
	logging.Procedural("Procedural tier opened (%d procedures)", len(p.procedures))
	return p, nil
}

func procedureKey(id string) []byte { return []byte("procedure:" + id) }

// TaskType derives the type bucket for an episode: its shape key.
func TaskType(ep Episode) string {
	return shapeKey(&ep)
}

// LearnFromSuccesses aligns successful episodes of one task type into a
// step sequence. Equivalent actions collapse by majority vote per position;
// pitfalls are actions that recur in failures but never in successes.
func (p *Procedural) LearnFromSuccesses(ctx context.Context, taskType string, episodes []Episode) (Procedure, error) {
	timer := logging.StartTimer(logging.CategoryProcedural, "LearnFromSuccesses")
	defer timer.Stop()

	var successes, failures []Episode
	for _, ep := range episodes {
		switch ep.Outcome {
		case OutcomeSuccess:
			successes = append(successes, ep)
		case OutcomeFailure:
			failures = append(failures, ep)
		}
	}
	if len(successes) == 0 {
		return Procedure{}, fmt.Errorf("learn %q: no successful episodes", taskType)
	}

	// Median path length bounds the alignment.
	lengths := make([]int, 0, len(successes))
	for _, ep := range successes {
		lengths = append(lengths, len(ep.SolutionPath))
	}
	sort.Ints(lengths)
	steps := lengths[len(lengths)/2]

	proc := Procedure{TaskType: taskType}
	for i := 0; i < steps; i++ {
		votes := make(map[string]int)
		queries := make(map[string]struct{})
		contexts := make(map[string]struct{})
		for _, ep := range successes {
			if i >= len(ep.SolutionPath) {
				continue
			}
			votes[ep.SolutionPath[i]]++
			for _, q := range ep.QueriesMade {
				queries[q] = struct{}{}
			}
			for _, sym := range ep.SymbolsUsed {
				contexts[sym] = struct{}{}
			}
		}
		action, best := "", 0
		for a, n := range votes {
			if n > best || (n == best && a < action) {
				action, best = a, n
			}
		}
		if action == "" {
			continue
		}
		step := ProcedureStep{Action: action}
		for q := range queries {
			step.TypicalQueries = append(step.TypicalQueries, q)
		}
		for c := range contexts {
			step.RequiredContext = append(step.RequiredContext, c)
		}
		sort.Strings(step.TypicalQueries)
		sort.Strings(step.RequiredContext)
		proc.Steps = append(proc.Steps, step)
	}

	proc.SuccessRate = float64(len(successes)) / float64(len(successes)+len(failures))

	// Pitfalls: failure-only actions.
	successActions := make(map[string]struct{})
	for _, ep := range successes {
		for _, a := range ep.SolutionPath {
			successActions[a] = struct{}{}
		}
	}
	pitfallSet := make(map[string]struct{})
	for _, ep := range failures {
		for _, a := range ep.SolutionPath {
			if _, ok := successActions[a]; !ok {
				pitfallSet[a] = struct{}{}
			}
		}
	}
	for a := range pitfallSet {
		proc.Pitfalls = append(proc.Pitfalls, a)
	}
	sort.Strings(proc.Pitfalls)

	p.mu.Lock()
	if id, ok := p.byTaskType[taskType]; ok {
		proc.ID = id
	} else {
		proc.ID = uuid.NewString()
	}
	proc.UpdatedAt = time.Now().UTC()
	p.procedures[proc.ID] = &proc
	p.byTaskType[taskType] = proc.ID
	copied := proc
	p.mu.Unlock()

	data, err := json.Marshal(&copied)
	if err != nil {
		return Procedure{}, err
	}
	if err := retryStoreIo(ctx, 3, func() error {
		return p.store.Put(ctx, procedureKey(copied.ID), data)
	}); err != nil {
		return Procedure{}, err
	}

	logging.Procedural("Learned procedure for %q (%d steps, rate=%.2f)", taskType, len(copied.Steps), copied.SuccessRate)
	return copied, nil
}

// PredictNextAction is a Markov-style lookup over the tail of the current
// execution trace against the learned step sequence.
func (p *Procedural) PredictNextAction(trace []string, taskType string) (string, float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.byTaskType[taskType]
	if !ok {
		return "", 0
	}
	proc := p.procedures[id]
	if len(proc.Steps) == 0 {
		return "", 0
	}

	if len(trace) == 0 {
		return proc.Steps[0].Action, proc.SuccessRate
	}

	// Find the last trace action in the step sequence and propose its
	// successor; confidence scales with how much of the tail aligned.
	last := trace[len(trace)-1]
	for i, step := range proc.Steps {
		if step.Action != last {
			continue
		}
		if i+1 >= len(proc.Steps) {
			return "", 0
		}
		matched := 0
		for j := 0; j <= i && j < len(trace); j++ {
			ti := len(trace) - 1 - j
			si := i - j
			if trace[ti] == proc.Steps[si].Action {
				matched++
			}
		}
		confidence := proc.SuccessRate * float64(matched) / float64(i+1)
		return proc.Steps[i+1].Action, confidence
	}
	return "", 0
}

// GetPitfalls returns the known pitfalls for a task type.
func (p *Procedural) GetPitfalls(taskType string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byTaskType[taskType]
	if !ok {
		return nil
	}
	return append([]string(nil), p.procedures[id].Pitfalls...)
}

// Get returns a procedure by task type.
func (p *Procedural) Get(taskType string) (Procedure, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byTaskType[taskType]
	if !ok {
		return Procedure{}, false
	}
	return *p.procedures[id], true
}

// Count returns the number of stored procedures.
func (p *Procedural) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.procedures)
}
