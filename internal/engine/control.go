package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
)

// If evaluates a condition expression against the live context and runs one
// of two child sub-workflows. The taken branch's result becomes the step's
// result; nil when no branch is taken.
type If struct {
	id        string
	condition string
	engine    expressions.Engine
	then      Step
	els       Step
}

// NewIf builds an if step. The condition lives on the discriminating `if`
// key or an explicit `condition` field. Branches are built by the caller
// (the builder) as nested sub-workflows; els may be nil.
func NewIf(id string, decl schema.Decl, engine expressions.Engine, then, els Step) (*If, error) {
	condition := decl.String("condition")
	if condition == "" {
		condition = decl.String("if")
	}
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"if step requires a condition expression").WithStep(id)
	}
	if then == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"if step requires a \"then\" branch").WithStep(id)
	}
	return &If{id: id, condition: condition, engine: engine, then: then, els: els}, nil
}

func (s *If) ID() string { return s.id }

func (s *If) UpdatesContext() bool { return false }

func (s *If) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	result, err := s.engine.Evaluate(ctx, s.condition, conditionData(state))
	if err != nil {
		return nil, wrapStepErr(s.id, err)
	}

	matched, ok := result.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q must evaluate to bool, got %T", s.condition, result).WithStep(s.id)
	}

	branch := s.then
	if !matched {
		branch = s.els
	}
	if branch == nil {
		return nil, nil
	}
	return runStep(ctx, branch, state, opts)
}

// conditionData exposes the pipeline context to condition expressions under
// the "context" variable, plus the current item bindings when inside a map.
func conditionData(state Context) map[string]any {
	data := map[string]any{"context": map[string]any(state)}
	if item, ok := state[itemBinding]; ok {
		data[itemBinding] = item
	}
	if index, ok := state[indexBinding]; ok {
		data[indexBinding] = index
	}
	return data
}

// Route resolves its input path, stringifies the value and dispatches to the
// matching child sub-workflow. An unmatched value without a default branch is
// an execution error.
type Route struct {
	id     string
	input  string
	routes map[string]Step
	def    Step
}

// NewRoute builds a route step. Branch sub-workflows are built by the caller;
// def may be nil.
func NewRoute(id string, decl schema.Decl, routes map[string]Step, def Step) (*Route, error) {
	input, err := decl.RequireString("input")
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"route step requires at least one route").WithStep(id)
	}
	return &Route{id: id, input: input, routes: routes, def: def}, nil
}

func (s *Route) ID() string { return s.id }

func (s *Route) UpdatesContext() bool { return false }

func (s *Route) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	val, err := template.Resolve(state, s.input)
	if err != nil {
		return nil, wrapStepErr(s.id, err)
	}

	key := routeKey(val)
	branch, ok := s.routes[key]
	if !ok {
		branch = s.def
	}
	if branch == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"no route matches value %q and no default is declared", key).WithStep(s.id)
	}
	return runStep(ctx, branch, state, opts)
}

// routeKey converts a resolved value to a string key for branch lookup.
func routeKey(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Reduce folds a list-valued input into a single value, either with a jq
// query (the list is bound to .input) or one of the built-in modes.
type Reduce struct {
	id        string
	input     string
	mode      string
	query     string
	separator string
	jq        *expressions.GoJQEngine
}

// Built-in reduce modes.
const (
	ReduceConcat = "concat" // join strings / flatten lists
	ReduceMerge  = "merge"  // shallow-merge mappings, later items win
	ReduceSum    = "sum"    // numeric sum
)

func NewReduce(id string, decl schema.Decl, jq *expressions.GoJQEngine) (*Reduce, error) {
	input, err := decl.RequireString("input")
	if err != nil {
		return nil, err
	}

	mode := decl.String("mode")
	if mode == "" {
		// The discriminating `reduce` key may carry the mode directly.
		mode = decl.String("reduce")
	}
	if mode == "" {
		mode = ReduceConcat
	}
	switch mode {
	case ReduceConcat, ReduceMerge, ReduceSum:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown reduce mode %q", mode).WithStep(id)
	}

	sep := "\n"
	if s, ok := decl["separator"].(string); ok {
		sep = s
	}

	query := decl.String("query")
	if query != "" {
		if err := jq.Check(query); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"invalid reduce query: %s", err.Error()).WithStep(id).WithCause(err)
		}
	}

	return &Reduce{
		id:        id,
		input:     input,
		mode:      mode,
		query:     query,
		separator: sep,
		jq:        jq,
	}, nil
}

func (s *Reduce) ID() string { return s.id }

func (s *Reduce) UpdatesContext() bool { return false }

func (s *Reduce) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	raw, err := template.Resolve(state, s.input)
	if err != nil {
		return nil, wrapStepErr(s.id, err)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"input %q must resolve to a list, got %T", s.input, raw).WithStep(s.id)
	}

	if s.query != "" {
		out, err := s.jq.Evaluate(ctx, s.query, map[string]any{"input": items})
		if err != nil {
			return nil, wrapStepErr(s.id, err)
		}
		return out, nil
	}

	switch s.mode {
	case ReduceMerge:
		merged := make(map[string]any)
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"merge mode requires mapping items, item %d is %T", i, item).WithStep(s.id)
			}
			for k, v := range m {
				merged[k] = v
			}
		}
		return merged, nil

	case ReduceSum:
		var sum float64
		for i, item := range items {
			n, ok := toNumber(item)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"sum mode requires numeric items, item %d is %T", i, item).WithStep(s.id)
			}
			sum += n
		}
		return sum, nil

	default: // ReduceConcat
		if allStrings(items) {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = item.(string)
			}
			return strings.Join(parts, s.separator), nil
		}
		flat := make([]any, 0, len(items))
		for _, item := range items {
			if nested, ok := item.([]any); ok {
				flat = append(flat, nested...)
				continue
			}
			flat = append(flat, item)
		}
		return flat, nil
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func allStrings(items []any) bool {
	for _, item := range items {
		if _, ok := item.(string); !ok {
			return false
		}
	}
	return len(items) > 0
}

// Action invokes a caller-registered operation by name. Declared params with
// string values are template-filled from context before the call.
type Action struct {
	id     string
	action string
	params map[string]any
}

func NewAction(id string, decl schema.Decl) (*Action, error) {
	name, err := decl.RequireString("action")
	if err != nil {
		return nil, err
	}
	return &Action{id: id, action: name, params: decl.Map("params")}, nil
}

func (s *Action) ID() string { return s.id }

func (s *Action) UpdatesContext() bool { return false }

func (s *Action) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	fn, ok := opts.Actions[s.action]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown action %q: no such action is registered", s.action).WithStep(s.id)
	}

	params := make(map[string]any, len(s.params))
	for k, v := range s.params {
		if tmpl, ok := v.(string); ok {
			filled, err := template.Fill(state, tmpl)
			if err != nil {
				return nil, wrapStepErr(s.id, err)
			}
			params[k] = filled
			continue
		}
		params[k] = template.DeepCopyAny(v)
	}

	out, err := fn(ctx, state, params)
	if err != nil {
		return nil, wrapStepErr(s.id, err)
	}
	return out, nil
}
