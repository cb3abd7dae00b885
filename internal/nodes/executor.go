package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// NodeExecutor runs one node type.
//
// Expected failures are reported with Success=false. A returned error or a
// panic is treated by the engine as an unexpected failure of the node.
type NodeExecutor interface {
	Type() string
	Describe() ExecutorInfo
	// Validate checks node parameters at graph load time.
	Validate(params map[string]any) error
	Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error)
}

// ExecutorInfo describes an executor for listings and tool surfaces.
type ExecutorInfo struct {
	Type        string          `json:"type"`
	Category    string          `json:"category,omitempty"`
	Description string          `json:"description,omitempty"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`
}

// ExecutionContext is the per-node view of a run. CurrentData is the
// payload handed over by the predecessor.
type ExecutionContext struct {
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id"`
	Variables   map[string]any  `json:"variables,omitempty"`
	CurrentData json.RawMessage `json:"current_data,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Derive returns a copy of c whose CurrentData is replaced by data.
// Variables and Metadata are shared with c and must be treated as read-only.
func (c *ExecutionContext) Derive(data json.RawMessage) *ExecutionContext {
	child := *c
	child.CurrentData = data
	return &child
}

// Scope builds the expression scope for nodeID. A payload that is not valid
// JSON is exposed as a plain string.
func (c *ExecutionContext) Scope(nodeID string) expressions.Scope {
	var data any
	if v, err := xjson.Decode(c.CurrentData); err == nil {
		data = v
	} else {
		data = string(c.CurrentData)
	}
	return expressions.Scope{
		Data:      data,
		Variables: c.Variables,
		Metadata:  c.Metadata,
		Execution: map[string]any{
			"workflow_id":  c.WorkflowID,
			"execution_id": c.ExecutionID,
			"user_id":      c.UserID,
			"node_id":      nodeID,
		},
	}
}

// ExecutionResult is the outcome of one node execution.
// Degraded marks a result built from fallback data after the protocol data
// source failed; such results always carry a warning.
type ExecutionResult struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration int64           `json:"duration"`
	Logs     []string        `json:"logs,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Succeed marshals data into a successful result.
func Succeed(data any) (*ExecutionResult, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return &ExecutionResult{Success: true, Data: xjson.Normalize(raw)}, nil
	}
	b, err := xjson.Marshal(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to marshal node output").WithCause(err)
	}
	return &ExecutionResult{Success: true, Data: b}, nil
}

// Fail returns an unsuccessful result carrying msg.
func Fail(msg string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: msg}
}

// Log appends a line to the result's executor log.
func (r *ExecutionResult) Log(line string) *ExecutionResult {
	r.Logs = append(r.Logs, line)
	return r
}
