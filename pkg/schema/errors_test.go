package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeExecution, "boom")
	assert.Equal(t, "[EXECUTION_ERROR] boom", err.Error())

	err = err.WithStep("analyze")
	assert.Equal(t, "[EXECUTION_ERROR] step analyze: boom", err.Error())
}

func TestFlowErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewErrorf(ErrCodeLLM, "call failed: %s", cause.Error()).WithCause(cause)

	require.ErrorIs(t, err, cause)

	var fe *FlowError
	require.ErrorAs(t, error(err), &fe)
	assert.Equal(t, ErrCodeLLM, fe.Code)
}

func TestFlowErrorDetails(t *testing.T) {
	err := NewError(ErrCodeTemplate, "not found").
		WithDetails(map[string]any{"path": "a.b"})
	assert.Equal(t, "a.b", err.Details["path"])
}
