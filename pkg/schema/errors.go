package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecutorNotFound  = "EXECUTOR_NOT_FOUND"
	ErrCodeNoTriggers        = "NO_TRIGGERS"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTierRestricted    = "TIER_RESTRICTED"
	ErrCodeMaxDepth          = "MAX_DEPTH_EXCEEDED"
	ErrCodePanic             = "EXECUTOR_PANIC"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches another *EngineError by code, so errors.Is works against
// sentinel values such as ErrExecutorNotFound.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// IsRetryable reports whether the failure is transient.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeProtocol, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// Sentinels for errors.Is comparisons. They carry only a code.
var (
	ErrExecutorNotFound = &EngineError{Code: ErrCodeExecutorNotFound}
	ErrNotFound         = &EngineError{Code: ErrCodeNotFound}
	ErrNoTriggers       = &EngineError{Code: ErrCodeNoTriggers}
)

// IsExecutorNotFound reports whether err is an unknown node type failure.
func IsExecutorNotFound(err error) bool {
	return errors.Is(err, ErrExecutorNotFound)
}

// CodeOf returns the EngineError code carried by err, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
