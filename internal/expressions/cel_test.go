package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/pkg/schema"
)

func TestCELEngineEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"context": map[string]any{
			"score":  5,
			"status": "ready",
		},
		"item":  "alpha",
		"index": 2,
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"numeric comparison", `context["score"] > 3`, true},
		{"string equality", `context["status"] == "ready"`, true},
		{"membership", `"status" in context`, true},
		{"index comparison", "index >= 2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngineDefaultsMissingVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Outside a map there is no item/index; the activation supplies zero
	// values so expressions referencing them still evaluate.
	got, err := e.Evaluate(context.Background(), "index == 0", map[string]any{
		"context": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCELEngineCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `context[`, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestCELEngineUnknownVariableRejected(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Only context, item and index are declared in the environment.
	_, err = e.Evaluate(context.Background(), "secrets.token", nil)
	assert.Error(t, err)
}
