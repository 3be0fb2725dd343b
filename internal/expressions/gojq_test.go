package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/pkg/schema"
)

func TestGoJQEngineEvaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	data := map[string]any{
		"input": []any{
			map[string]any{"name": "a", "score": 1},
			map[string]any{"name": "b", "score": 2},
			map[string]any{"name": "c", "score": 3},
		},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"length", ".input | length", float64(3)},
		{"sum of field", "[.input[].score] | add", float64(6)},
		{"pluck names", "[.input[].name]", []any{"a", "b", "c"}},
		{"first element", ".input[0].name", "a"},
		{"numbers in structured output", "{n: (.input | length)}", map[string]any{"n": float64(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQEngineMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), ".input[]", map[string]any{
		"input": []any{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, got)
}

func TestGoJQEngineNormalizesInts(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)
}

func TestGoJQEngineParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".input | |", nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestGoJQEngineCheck(t *testing.T) {
	e := NewGoJQEngine()

	assert.NoError(t, e.Check(".input | add"))
	assert.Error(t, e.Check(".input | |"))
	assert.Error(t, e.Check(""))
}
