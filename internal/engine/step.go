// Package engine executes workflow trees built from declarative step
// declarations: sequential workflows, prompt-templated LLM calls, parallel
// item-wise maps, deterministic transforms and branching/folding steps.
package engine

import (
	"context"

	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
)

// Context is the mutable key-value state threaded through a pipeline run.
// Within a workflow it is mutated by the orchestrating goroutine only; map
// fan-out hands each worker an independent deep copy.
type Context = map[string]any

// Step is one executable node in a workflow tree.
type Step interface {
	// ID is the step's stable identifier, unique within its enclosing
	// workflow, read-only after construction.
	ID() string

	// UpdatesContext reports whether this step's result replaces the
	// enclosing workflow's running context wholesale instead of being
	// stored under the step's id.
	UpdatesContext() bool

	// Run executes the step against the live context. Results are folded
	// into the enclosing workflow's context by the caller.
	Run(ctx context.Context, state Context, opts *Options) (any, error)
}

// runStep executes a step wrapped with tracing: a start event carrying the
// pre-execution context and an end event carrying the result. Errors
// propagate to the enclosing workflow untouched.
func runStep(ctx context.Context, step Step, state Context, opts *Options) (any, error) {
	ctx = logging.WithStepID(ctx, step.ID())
	opts.emit(ctx, step.ID(), schema.EventStart, template.DeepCopyMap(state))

	out, err := step.Run(ctx, state, opts)
	if err != nil {
		return nil, err
	}

	opts.emit(ctx, step.ID(), schema.EventEnd, out)
	return out, nil
}

// asContext converts a step result into a Context for wholesale context
// replacement.
func asContext(stepID string, v any) (Context, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"context-replacing result must be a mapping, got %T", v).WithStep(stepID)
	}
	return m, nil
}
