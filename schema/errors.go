package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire error codes. The two policy codes are reserved system-wide: they may
// only originate from the policy gateway, never from a tool backend. The
// gateway enforces this by code value, not by trusting backends.
const (
	CodeNotFound         = -32601
	CodeInvalidArguments = -32602
	CodeBackendError     = -32000
	CodeCancelled        = -32001

	CodePolicyAbort    = -32060
	CodePolicyContinue = -32061
	CodeReservedMisuse = -32062
)

// ReservedPolicyCode reports whether code is one of the two codes reserved
// for gateway-originated policy denials.
func ReservedPolicyCode(code int) bool {
	return code == CodePolicyAbort || code == CodePolicyContinue
}

// CallError is a structured tool call failure as it appears on the wire.
type CallError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tool call error %d: %s", e.Code, e.Message)
}

// NewCallError creates a CallError.
func NewCallError(code int, format string, args ...interface{}) *CallError {
	return &CallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsCallError extracts a CallError from an error chain.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CallErrorFrom coerces any invocation failure into a CallError. Context
// cancellation maps to Cancelled; everything unrecognized is a backend fault.
func CallErrorFrom(err error) *CallError {
	if err == nil {
		return nil
	}
	if ce, ok := AsCallError(err); ok {
		return ce
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCallError(CodeCancelled, "call cancelled: %v", err)
	}
	return NewCallError(CodeBackendError, "%v", err)
}

// Core sentinel errors.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already exists")
)

// ToolError wraps a tool-scoped failure with the operation that produced it.
type ToolError struct {
	ToolName string
	Op       string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.ToolName, e.Op, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError creates a ToolError.
func NewToolError(toolName, op string, err error) *ToolError {
	return &ToolError{ToolName: toolName, Op: op, Err: err}
}

// ValidationError reports a schema-level rejection of a value.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s (value: %v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}
