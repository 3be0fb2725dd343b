package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
)

// Workflow is a composite step holding an ordered sequence of children.
// Children execute strictly in declaration order; each child's output is
// folded into the running context under the child's id before the next child
// starts. Children are exclusively owned, never shared across workflows.
type Workflow struct {
	id        string
	steps     []Step
	seed      Context
	outputKey string
}

// NewWorkflow builds a workflow from already-constructed children. seed is
// the declaration's static context, merged under the caller's context at run
// start (caller keys win on collision). outputKey optionally extracts a
// single value from the result map before returning.
func NewWorkflow(id string, steps []Step, seed Context, outputKey string) *Workflow {
	return &Workflow{id: id, steps: steps, seed: seed, outputKey: outputKey}
}

func (w *Workflow) ID() string { return w.id }

func (w *Workflow) UpdatesContext() bool { return false }

// Steps returns the workflow's children in declaration order.
func (w *Workflow) Steps() []Step { return w.steps }

// Execute runs the workflow as the pipeline root: it assigns a run ID for
// trace correlation and wraps the root in the tracing envelope. state is
// mutated in place as steps complete.
func (w *Workflow) Execute(ctx context.Context, state Context, opts *Options) (any, error) {
	if opts == nil {
		opts = &Options{}
	}
	if state == nil {
		state = Context{}
	}
	ctx = logging.WithRunID(ctx, uuid.NewString())

	log := logging.LogWith(ctx, opts.logger())
	log.Info("pipeline run started", slog.String("workflow", w.id))

	out, err := runStep(ctx, w, state, opts)
	if err != nil {
		log.Error("pipeline run failed", slog.String("workflow", w.id), slog.Any("error", err))
		return nil, err
	}

	log.Info("pipeline run completed", slog.String("workflow", w.id))
	return out, nil
}

// Run walks the children in declaration order. Before each child the stop
// predicate is consulted: when it fires, the child is recorded as
// {status: stopped}, no further children execute, and the partial result map
// is returned without error. A child with UpdatesContext replaces the whole
// result map and the running context with its return value.
func (w *Workflow) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	if state == nil {
		state = Context{}
	}

	// Static seed merges under the caller's context: caller keys win.
	for k, v := range w.seed {
		if _, ok := state[k]; !ok {
			state[k] = template.DeepCopyAny(v)
		}
	}

	results := Context{}
	for _, child := range w.steps {
		if opts.stopRequested() {
			results[child.ID()] = map[string]any{"status": string(schema.StepStatusStopped)}
			state[child.ID()] = results[child.ID()]
			opts.emit(ctx, child.ID(), schema.EventStopped, nil)
			break
		}

		out, err := runStep(ctx, child, state, opts)
		if err != nil {
			return nil, wrapStepErr(child.ID(), err)
		}

		if child.UpdatesContext() {
			replaced, err := asContext(child.ID(), out)
			if err != nil {
				return nil, err
			}
			results = replaced
			// Replace the running context wholesale so later siblings see
			// the new context, not a merge.
			for k := range state {
				delete(state, k)
			}
			for k, v := range replaced {
				state[k] = v
			}
			continue
		}

		results[child.ID()] = out
		state[child.ID()] = out
	}

	if w.outputKey != "" {
		val, err := template.Resolve(results, w.outputKey)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"output key %q not found in result map", w.outputKey).
				WithStep(w.id).WithCause(err)
		}
		return val, nil
	}
	return results, nil
}

// Validate checks structural invariants of the built tree: every step has a
// non-empty id, ids are unique within their workflow, and nested workflows
// are themselves well-formed.
func (w *Workflow) Validate() error {
	if w.id == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow has empty id")
	}
	seen := make(map[string]struct{}, len(w.steps))
	for _, child := range w.steps {
		id := child.ID()
		if id == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q contains a step with empty id", w.id)
		}
		if _, dup := seen[id]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q contains duplicate step id %q", w.id, id)
		}
		seen[id] = struct{}{}
		if nested, ok := child.(*Workflow); ok {
			if err := nested.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// wrapStepErr tags an error with the failing step id unless it already
// carries one.
func wrapStepErr(stepID string, err error) error {
	if fe, ok := err.(*schema.FlowError); ok {
		if fe.StepID == "" {
			fe.StepID = stepID
		}
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).
		WithStep(stepID).WithCause(err)
}
