package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Errorf(t *testing.T) {
	r := &ValidationResult{}
	r.Errorf("connections[0].target_node_id", ErrCodeValidation, "connection target references unknown node: %s", "Z")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	issue := r.Errors[0]
	assert.Empty(t, issue.NodeID)
	assert.Equal(t, "connections[0].target_node_id", issue.Path)
	assert.Equal(t, "connection target references unknown node: Z", issue.Message)
	assert.Equal(t, SeverityError, issue.Severity)
}

func TestValidationResult_WarningsKeepItValid(t *testing.T) {
	r := &ValidationResult{}
	r.Warnf("connections", ErrCodeCycleDetected, "workflow contains a cycle through nodes %v", []string{"B", "C"})

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddDefaultsToError(t *testing.T) {
	r := &ValidationResult{}
	r.Add(ValidationIssue{Path: "nodes", Code: ErrCodeValidation, Message: "no severity"})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_StructuralAndByNode(t *testing.T) {
	r := &ValidationResult{}
	r.Errorf("nodes[0].id", ErrCodeValidation, "duplicate node id: A")
	r.NodeErrorf("swap", "nodes[2].configuration.parameters", ErrCodeValidation, "node swap: amount is required")
	r.NodeErrorf("swap", "nodes[2].configuration.parameters.node_timeout", ErrCodeValidation, "node swap: bad timeout")
	r.NodeErrorf("mail", "nodes[3].configuration.parameters", ErrCodeValidation, "node mail: to is required")

	structural := r.Structural()
	require.Len(t, structural, 1)
	assert.Equal(t, "duplicate node id: A", structural[0].Message)

	byNode := r.ByNode()
	assert.Len(t, byNode, 2)
	assert.Len(t, byNode["swap"], 2)
	assert.Equal(t, "node mail: to is required", byNode["mail"][0].Message)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("single error keeps its message", func(t *testing.T) {
		r := &ValidationResult{}
		r.NodeErrorf("s", "nodes[1].configuration.parameters", ErrCodeValidation, "node s: required is missing")

		var ee *EngineError
		require.ErrorAs(t, r.ToError(), &ee)
		assert.Equal(t, ErrCodeValidation, ee.Code)
		assert.Equal(t, "node s: required is missing", ee.Message)
		assert.Equal(t, []string{"s"}, ee.Details["nodes"])
	})

	t.Run("several errors are counted", func(t *testing.T) {
		r := &ValidationResult{}
		r.NodeErrorf("b", "nodes[1]", ErrCodeValidation, "err1")
		r.NodeErrorf("a", "nodes[0]", ErrCodeValidation, "err2")
		r.Errorf("connections[0]", ErrCodeValidation, "err3")
		r.Warnf("connections", ErrCodeCycleDetected, "warn1")

		var ee *EngineError
		require.ErrorAs(t, r.ToError(), &ee)
		assert.Equal(t, "err1 (and 2 more)", ee.Message)
		assert.Equal(t, 3, ee.Details["error_count"])
		assert.Equal(t, 1, ee.Details["warning_count"])
		assert.Equal(t, []string{"a", "b"}, ee.Details["nodes"])
	})
}

func TestValidationIssue_String(t *testing.T) {
	issue := ValidationIssue{Path: "nodes[0].node_type", Code: ErrCodeExecutorNotFound, Message: "no executor", Severity: SeverityWarning}
	assert.Equal(t, "warning nodes[0].node_type: no executor (EXECUTOR_NOT_FOUND)", issue.String())
}

func TestEngineError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeExecutorNotFound, "no executor found for node type %q", "bogus").WithNode("n1")
	assert.Equal(t, `[EXECUTOR_NOT_FOUND] node n1: no executor found for node type "bogus"`, err.Error())
	assert.True(t, IsExecutorNotFound(err))
	assert.Equal(t, ErrCodeExecutorNotFound, CodeOf(err))
	assert.False(t, err.IsRetryable())
}

func TestEngineError_UnwrapAndRetryable(t *testing.T) {
	cause := NewError(ErrCodeProtocol, "upstream 503")
	err := NewError(ErrCodeNodeFailed, "price lookup failed").WithCause(cause)

	assert.Same(t, cause, err.Unwrap())
	assert.True(t, cause.IsRetryable())
	assert.False(t, IsExecutorNotFound(err))
	assert.Equal(t, "", CodeOf(assert.AnError))
}
