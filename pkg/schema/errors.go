package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeLock              = "LOCK_ERROR"
	ErrCodeGraphGeneration   = "GRAPH_GENERATION_FAILED"
	ErrCodeStartingNode      = "STARTING_NODE_NOT_FOUND"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// GraphError is the structured error type returned across package boundaries.
// Hint and Explanation carry operator-facing context for rebuild failures.
type GraphError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Hint        string         `json:"hint,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GraphError.
func NewError(code, message string) *GraphError {
	return &GraphError{Code: code, Message: message}
}

// NewErrorf creates a new GraphError with a formatted message.
func NewErrorf(code, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node execution ID to the error.
func (e *GraphError) WithNode(nodeID string) *GraphError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *GraphError) WithCause(err error) *GraphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GraphError) WithDetails(details map[string]any) *GraphError {
	e.Details = details
	return e
}

// WithHint attaches an operator hint and a longer explanation.
func (e *GraphError) WithHint(hint, explanation string) *GraphError {
	e.Hint = hint
	e.Explanation = explanation
	return e
}

// HasCode reports whether err (or anything it wraps) is a GraphError with the given code.
func HasCode(err error, code string) bool {
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND GraphError.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsRetryable reports whether repeating the failed operation can succeed
// without any change to the underlying data.
func (e *GraphError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeTimeout, ErrCodeLock, ErrCodeConflict:
		return true
	default:
		return false
	}
}
