package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraphError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "plan missing")
	assert.Equal(t, "[NOT_FOUND] plan missing", err.Error())

	err = NewErrorf(ErrCodeStartingNode, "starting node %q not found", "n1").WithNode("n1")
	assert.Equal(t, `[STARTING_NODE_NOT_FOUND] node n1: starting node "n1" not found`, err.Error())
}

func TestGraphError_UnwrapAndCodes(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	wrapped := fmt.Errorf("cycle: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, HasCode(wrapped, ErrCodeStore))
	assert.False(t, IsNotFound(wrapped))
	assert.True(t, IsNotFound(NewError(ErrCodeNotFound, "x")))
	assert.False(t, HasCode(cause, ErrCodeStore))
}

func TestGraphError_Hint(t *testing.T) {
	err := NewError(ErrCodeGraphGeneration, "no plan").
		WithHint("retention expired", "execution data was purged").
		WithDetails(map[string]any{"execution_id": "e1"})
	assert.Equal(t, "retention expired", err.Hint)
	assert.Equal(t, "execution data was purged", err.Explanation)
	assert.Equal(t, "e1", err.Details["execution_id"])
}

func TestGraphError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeStore, "db busy").IsRetryable())
	assert.True(t, NewError(ErrCodeLock, "lease lost").IsRetryable())
	assert.False(t, NewError(ErrCodeGraphGeneration, "no root").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "bad event").IsRetryable())
}
