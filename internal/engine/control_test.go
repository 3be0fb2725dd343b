package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/pkg/schema"
)

func TestIfTakesThenBranch(t *testing.T) {
	s, err := NewIf("gate", schema.Decl{"if": "context.flag"},
		expressions.NewExprEngine(), constStep("t", "then-result"), constStep("e", "else-result"))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"flag": true}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "then-result", out)
}

func TestIfTakesElseBranch(t *testing.T) {
	s, err := NewIf("gate", schema.Decl{"condition": "context.flag"},
		expressions.NewExprEngine(), constStep("t", "then-result"), constStep("e", "else-result"))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"flag": false}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "else-result", out)
}

func TestIfWithoutElseReturnsNil(t *testing.T) {
	s, err := NewIf("gate", schema.Decl{"if": "context.flag"},
		expressions.NewExprEngine(), constStep("t", "then-result"), nil)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"flag": false}, &Options{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestIfRejectsNonBoolCondition(t *testing.T) {
	s, err := NewIf("gate", schema.Decl{"if": `"not a bool"`},
		expressions.NewExprEngine(), constStep("t", nil), nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestIfRequiresConditionAndThen(t *testing.T) {
	_, err := NewIf("gate", schema.Decl{}, expressions.NewExprEngine(), constStep("t", nil), nil)
	assert.Error(t, err)

	_, err = NewIf("gate", schema.Decl{"if": "true"}, expressions.NewExprEngine(), nil, nil)
	assert.Error(t, err)
}

func TestIfSeesItemBindings(t *testing.T) {
	s, err := NewIf("gate", schema.Decl{"if": "index > 0"},
		expressions.NewExprEngine(), constStep("t", "later"), constStep("e", "first"))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"item": "x", "index": 2}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "later", out)
}

func TestRouteDispatch(t *testing.T) {
	s, err := NewRoute("router", schema.Decl{"input": "kind"},
		map[string]Step{
			"email": constStep("e", "sent email"),
			"sms":   constStep("s", "sent sms"),
		}, nil)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"kind": "sms"}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "sent sms", out)
}

func TestRouteStringifiesValues(t *testing.T) {
	s, err := NewRoute("router", schema.Decl{"input": "flag"},
		map[string]Step{"true": constStep("t", "yes")}, nil)
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"flag": true}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
}

func TestRouteDefault(t *testing.T) {
	s, err := NewRoute("router", schema.Decl{"input": "kind"},
		map[string]Step{"email": constStep("e", "email")}, constStep("d", "fallback"))
	require.NoError(t, err)

	out, err := s.Run(context.Background(), Context{"kind": "carrier-pigeon"}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestRouteUnmatchedWithoutDefault(t *testing.T) {
	s, err := NewRoute("router", schema.Decl{"input": "kind"},
		map[string]Step{"email": constStep("e", "email")}, nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{"kind": "fax"}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestRouteRequiresRoutes(t *testing.T) {
	_, err := NewRoute("router", schema.Decl{"input": "kind"}, nil, nil)
	assert.Error(t, err)
}

func newReduce(t *testing.T, decl schema.Decl) *Reduce {
	t.Helper()
	s, err := NewReduce("fold", decl, expressions.NewGoJQEngine())
	require.NoError(t, err)
	return s
}

func TestReduceConcatStrings(t *testing.T) {
	s := newReduce(t, schema.Decl{"reduce": "concat", "input": "parts", "separator": " "})

	out, err := s.Run(context.Background(), Context{"parts": []any{"a", "b", "c"}}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, "a b c", out)
}

func TestReduceConcatFlattensLists(t *testing.T) {
	s := newReduce(t, schema.Decl{"reduce": "concat", "input": "parts"})

	out, err := s.Run(context.Background(), Context{
		"parts": []any{[]any{"a", "b"}, "c", []any{"d"}},
	}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d"}, out)
}

func TestReduceMerge(t *testing.T) {
	s := newReduce(t, schema.Decl{"reduce": "merge", "input": "parts"})

	out, err := s.Run(context.Background(), Context{"parts": []any{
		map[string]any{"a": 1, "b": 1},
		map[string]any{"b": 2, "c": 3},
	}}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, out)

	_, err = s.Run(context.Background(), Context{"parts": []any{"not a map"}}, &Options{})
	assert.Error(t, err)
}

func TestReduceSum(t *testing.T) {
	s := newReduce(t, schema.Decl{"reduce": "sum", "input": "parts"})

	out, err := s.Run(context.Background(), Context{"parts": []any{1, 2.5, 3}}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, 6.5, out)

	_, err = s.Run(context.Background(), Context{"parts": []any{"nope"}}, &Options{})
	assert.Error(t, err)
}

func TestReduceQuery(t *testing.T) {
	s := newReduce(t, schema.Decl{
		"reduce": "concat",
		"input":  "parts",
		"query":  "[.input[].score] | add",
	})

	out, err := s.Run(context.Background(), Context{"parts": []any{
		map[string]any{"score": 1},
		map[string]any{"score": 2},
	}}, &Options{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)
}

func TestReduceInvalidQueryFailsFast(t *testing.T) {
	_, err := NewReduce("fold", schema.Decl{
		"reduce": "concat",
		"input":  "parts",
		"query":  ".input | |",
	}, expressions.NewGoJQEngine())
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConfig, fe.Code)
}

func TestReduceRejectsUnknownMode(t *testing.T) {
	_, err := NewReduce("fold", schema.Decl{"reduce": "average", "input": "parts"},
		expressions.NewGoJQEngine())
	assert.Error(t, err)
}

func TestReduceRequiresListInput(t *testing.T) {
	s := newReduce(t, schema.Decl{"reduce": "concat", "input": "parts"})

	_, err := s.Run(context.Background(), Context{"parts": "scalar"}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestActionInvokesRegisteredFunc(t *testing.T) {
	s, err := NewAction("notify", schema.Decl{
		"action": "send",
		"params": map[string]any{
			"to":      "{user.email}",
			"retries": 3,
		},
	})
	require.NoError(t, err)

	var gotParams map[string]any
	opts := &Options{Actions: map[string]ActionFunc{
		"send": func(_ context.Context, _ Context, params map[string]any) (any, error) {
			gotParams = params
			return "delivered", nil
		},
	}}

	state := Context{"user": map[string]any{"email": "a@b.c"}}
	out, err := s.Run(context.Background(), state, opts)
	require.NoError(t, err)
	assert.Equal(t, "delivered", out)
	assert.Equal(t, map[string]any{"to": "a@b.c", "retries": 3}, gotParams)
}

func TestActionUnregistered(t *testing.T) {
	s, err := NewAction("notify", schema.Decl{"action": "send"})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Context{}, &Options{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
}

func TestActionErrorTagged(t *testing.T) {
	s, err := NewAction("notify", schema.Decl{"action": "send"})
	require.NoError(t, err)

	opts := &Options{Actions: map[string]ActionFunc{
		"send": func(context.Context, Context, map[string]any) (any, error) {
			return nil, errors.New("smtp down")
		},
	}}

	_, err = s.Run(context.Background(), Context{}, opts)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "notify", fe.StepID)
}
