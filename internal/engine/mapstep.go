package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
)

// Map failure policies. Both execution modes honor the same policy.
const (
	OnErrorSkip = "skip" // log the item, omit its result, keep going
	OnErrorFail = "fail" // abort the whole map step on the first item error
)

// Context keys bound for each map item.
const (
	itemBinding          = "item"
	indexBinding         = "index"
	previousItemBinding  = "previous_item"
	previousItemsBinding = "previous_items"
)

// Map fans a list-valued input out across a delegate prompt step, either on a
// bounded worker pool or strictly sequentially when items need to see earlier
// results, then re-merges per-item results according to its merge policy.
type Map struct {
	id       string
	delegate *Prompt

	input        string
	split        string
	number       bool
	numberSuffix bool
	limit        int
	maxWorkers   int

	mergeItem    bool
	includeItem  bool
	enhance      bool
	enhanceItem  bool
	includePrev  bool
	includePrevs bool
	stripThought bool

	onError   string
	itemKey   string
	resultKey string
}

// NewMap builds a map step. The delegate prompt is constructed from the
// declaration's `map` field; its configuration errors surface here.
func NewMap(id string, decl schema.Decl) (*Map, error) {
	promptDecl := decl.Map("map")
	if promptDecl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"map step requires a prompt declaration under \"map\"").WithStep(id)
	}

	delegateID := promptDecl.ID()
	if delegateID == "" {
		delegateID = id + ".prompt"
	}
	delegate, err := NewPrompt(delegateID, promptDecl)
	if err != nil {
		return nil, err
	}
	// The map-level strip_thought flag owns the policy for its items.
	delegate.stripThought = false

	input, err := decl.RequireString("input")
	if err != nil {
		return nil, err
	}

	m := &Map{
		id:           id,
		delegate:     delegate,
		input:        input,
		split:        decl.String("split"),
		number:       decl.Bool("number", false),
		numberSuffix: decl.Bool("number_suffix", false),
		limit:        decl.Int("limit", 0),
		maxWorkers:   decl.Int("max_workers", 0),
		mergeItem:    decl.Bool("merge_item", false),
		includeItem:  decl.Bool("include_item", false),
		enhance:      decl.Bool("enhance", false),
		enhanceItem:  decl.Bool("enhance_item", false),
		includePrev:  decl.Bool("include_previous_item", false),
		includePrevs: decl.Bool("include_previous_items", false),
		stripThought: decl.Bool("strip_thought", true),
		onError:      decl.String("on_error"),
		itemKey:      decl.String("item_key"),
		resultKey:    decl.String("result_key"),
	}
	if m.onError == "" {
		m.onError = OnErrorSkip
	}
	if m.onError != OnErrorSkip && m.onError != OnErrorFail {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"on_error must be %q or %q, got %q", OnErrorSkip, OnErrorFail, m.onError).WithStep(id)
	}
	if m.itemKey == "" {
		m.itemKey = itemBinding
	}
	if m.resultKey == "" {
		m.resultKey = "result"
	}
	return m, nil
}

func (m *Map) ID() string { return m.id }

// UpdatesContext is true in enhance mode: the step then returns a full new
// context with the input path rewritten to the result list, and the enclosing
// workflow replaces its running context with it.
func (m *Map) UpdatesContext() bool { return m.enhance }

// Delegate exposes the map's delegate prompt step.
func (m *Map) Delegate() *Prompt { return m.delegate }

func (m *Map) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	items, err := m.resolveItems(state)
	if err != nil {
		return nil, err
	}
	if m.limit > 0 && len(items) > m.limit {
		items = items[:m.limit]
	}

	var collected []any
	if m.includePrev || m.includePrevs {
		collected, err = m.runSequential(ctx, state, items, opts)
	} else {
		collected, err = m.runParallel(ctx, state, items, opts)
	}
	if err != nil {
		return nil, err
	}

	if m.enhance {
		fresh := template.DeepCopyMap(state)
		if err := template.Set(fresh, m.input, collected); err != nil {
			return nil, wrapStepErr(m.id, err)
		}
		return fresh, nil
	}
	return collected, nil
}

// resolveItems resolves the input path and normalizes it to a work list.
// Strings are split on the declared delimiter; lists pass through.
func (m *Map) resolveItems(state Context) ([]any, error) {
	raw, err := template.Resolve(state, m.input)
	if err != nil {
		return nil, wrapStepErr(m.id, err)
	}

	switch v := raw.(type) {
	case []any:
		return v, nil
	case string:
		if m.split == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"input %q is a string but no split delimiter is declared", m.input).WithStep(m.id)
		}
		parts := strings.Split(v, m.split)
		items := make([]any, 0, len(parts))
		for i, part := range parts {
			switch {
			case m.number:
				items = append(items, fmt.Sprintf("%d. %s", i+1, part))
			case m.numberSuffix:
				items = append(items, fmt.Sprintf("%s %d", part, i+1))
			default:
				items = append(items, part)
			}
		}
		return items, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"input %q must resolve to a list or string, got %T", m.input, raw).WithStep(m.id)
	}
}

// runParallel processes items on a bounded worker pool. Each worker gets an
// independent deep copy of the context; results land in a slot-indexed buffer
// so the published list keeps original index order regardless of completion
// order.
func (m *Map) runParallel(ctx context.Context, state Context, items []any, opts *Options) ([]any, error) {
	width := m.maxWorkers
	if width <= 0 {
		width = opts.workers()
	}

	pool := NewWorkerPool(width)
	defer pool.Shutdown()

	results := make([]any, len(items))
	done := make([]bool, len(items))
	errs := make([]error, len(items))

	for i, item := range items {
		idx, it := i, item
		submitErr := pool.Submit(ctx, func(ctx context.Context) error {
			out, err := m.runItem(ctx, state, it, idx, opts)
			if err != nil {
				errs[idx] = err
				return err
			}
			results[idx] = out
			done[idx] = true
			return nil
		})
		if submitErr != nil {
			errs[idx] = submitErr
		}
	}
	pool.Wait()

	collected := make([]any, 0, len(items))
	for i := range items {
		if errs[i] != nil {
			if m.onError == OnErrorFail {
				return nil, m.itemErr(i, errs[i])
			}
			m.logItemError(ctx, opts, i, errs[i])
			continue
		}
		if done[i] {
			collected = append(collected, results[i])
		}
	}
	return collected, nil
}

// runSequential processes items one at a time so each item's context can see
// the accumulated results of all prior items.
func (m *Map) runSequential(ctx context.Context, state Context, items []any, opts *Options) ([]any, error) {
	collected := make([]any, 0, len(items))
	var previous any

	for i, item := range items {
		itemState := template.DeepCopyMap(state)
		if m.includePrev {
			itemState[previousItemBinding] = previous
		}
		if m.includePrevs {
			// Non-nil even before the first item, so templates render [].
			prev := make([]any, 0, len(collected))
			itemState[previousItemsBinding] = append(prev, collected...)
		}

		out, err := m.runItemWith(ctx, itemState, item, i, opts)
		if err != nil {
			if m.onError == OnErrorFail {
				return nil, m.itemErr(i, err)
			}
			m.logItemError(ctx, opts, i, err)
			continue
		}
		previous = out
		collected = append(collected, out)
	}
	return collected, nil
}

// runItem deep-copies the shared context for one item and executes the
// delegate against the copy. The shared context is never touched.
func (m *Map) runItem(ctx context.Context, state Context, item any, index int, opts *Options) (any, error) {
	return m.runItemWith(ctx, template.DeepCopyMap(state), item, index, opts)
}

func (m *Map) runItemWith(ctx context.Context, itemState Context, item any, index int, opts *Options) (any, error) {
	itemCopy := template.DeepCopyAny(item)
	itemState[itemBinding] = itemCopy
	itemState[indexBinding] = index

	out, err := m.delegate.Run(ctx, itemState, opts)
	if err != nil {
		return nil, err
	}

	shaped := m.shapeResult(itemCopy, out)
	opts.emit(ctx, m.id, schema.EventItemEnd, map[string]any{
		"index":  index,
		"result": shaped,
	})
	return shaped, nil
}

// shapeResult applies the merge-policy flags to one item's delegate result.
// All flags compose independently; order is strip_thought, enhance_item,
// merge_item, include_item.
func (m *Map) shapeResult(item any, res any) any {
	if m.stripThought {
		if rm, ok := res.(map[string]any); ok {
			delete(rm, thoughtKey)
		}
	}

	if m.enhanceItem {
		if im, ok := item.(map[string]any); ok {
			im[m.resultKey] = res
			res = im
		} else {
			res = map[string]any{m.itemKey: item, m.resultKey: res}
		}
	}

	if m.mergeItem {
		switch rv := res.(type) {
		case map[string]any:
			if im, ok := item.(map[string]any); ok {
				for k, v := range im {
					if _, exists := rv[k]; !exists {
						rv[k] = v
					}
				}
			} else {
				rv[m.itemKey] = item
			}
		case []any:
			res = append(rv, item)
		}
	}

	if m.includeItem {
		if rv, ok := res.(map[string]any); ok {
			rv[m.itemKey] = item
		} else {
			res = map[string]any{m.itemKey: item, m.resultKey: res}
		}
	}

	return res
}

// itemErr attributes one item's failure to the map step. The delegate's
// error stays reachable as the cause.
func (m *Map) itemErr(index int, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"item %d failed: %s", index, err.Error()).WithStep(m.id).WithCause(err)
}

func (m *Map) logItemError(ctx context.Context, opts *Options, index int, err error) {
	logging.LogWith(ctx, opts.logger()).Warn("map item failed, skipping",
		slog.String("step_id", m.id),
		slog.Int("index", index),
		slog.Any("error", err))
	opts.emit(ctx, m.id, schema.EventItemError, map[string]any{
		"index": index,
		"error": err.Error(),
	})
}
