package engine

import (
	"context"
	"time"

	mcontext "meridian/internal/context"
)

// =============================================================================
// context.* and attention.retrieve operations
// =============================================================================

// PrepareAdaptive produces a token-budgeted context block for a task.
func (e *Engine) PrepareAdaptive(ctx context.Context, task string, maxTokens int) (mcontext.PreparedContext, error) {
	start := time.Now()
	out, err := e.pipeline.PrepareAdaptive(ctx, task, maxTokens)
	e.observe("context.prepare_adaptive", start, err, out.TotalTokens)
	return out, err
}

// Retrieve is the attention-surface alias for budgeted retrieval.
func (e *Engine) Retrieve(ctx context.Context, task string, budget int) (mcontext.PreparedContext, error) {
	start := time.Now()
	out, err := e.pipeline.PrepareAdaptive(ctx, task, budget)
	e.observe("attention.retrieve", start, err, out.TotalTokens)
	return out, err
}

// Defragment linearises a fragment set within a residual budget.
func (e *Engine) Defragment(fragments []mcontext.Fragment, residualTokens int) []mcontext.Fragment {
	start := time.Now()
	out := mcontext.Defragment(fragments, residualTokens)
	e.observe("context.defragment", start, nil, 0)
	return out
}

// Compress applies a named strategy to one fragment, recording the applied
// strategy and its quality score on the result.
func (e *Engine) Compress(f mcontext.Fragment, s mcontext.Strategy) mcontext.Fragment {
	start := time.Now()
	out := e.pipeline.CompressFragment(f, s)
	e.observe("context.compress", start, nil, out.Tokens)
	return out
}
