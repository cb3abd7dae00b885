package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow or node execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// LogLevel is the severity of an ExecutionLog entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	UserID         string            `json:"user_id,omitempty"`
	Status         ExecutionStatus   `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	TriggerData    json.RawMessage   `json:"trigger_data,omitempty"`
	NodeExecutions []*NodeExecution  `json:"node_executions"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Duration       int64             `json:"duration"` // milliseconds
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NodeExecution is the record of one node's execution within a run.
type NodeExecution struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	NodeID       string          `json:"node_id"`
	NodeType     string          `json:"node_type"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Duration     int64           `json:"duration"` // milliseconds
	Fee          float64         `json:"execution_fee,omitempty"`
	Degraded     bool            `json:"degraded,omitempty"`
}

// ExecutionLog is one append-only log line of an execution.
type ExecutionLog struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	NodeID    string          `json:"node_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Clone returns a deep copy safe to hand to readers while the original is
// still being mutated.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.TriggerData = cloneRaw(e.TriggerData)
	c.NodeExecutions = make([]*NodeExecution, len(e.NodeExecutions))
	for i, ne := range e.NodeExecutions {
		c.NodeExecutions[i] = ne.Clone()
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy of the node execution.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.CompletedAt = cloneTime(n.CompletedAt)
	c.InputData = cloneRaw(n.InputData)
	c.OutputData = cloneRaw(n.OutputData)
	return &c
}

// FindNodeExecutions returns every execution row recorded for nodeID.
func (e *WorkflowExecution) FindNodeExecutions(nodeID string) []*NodeExecution {
	var out []*NodeExecution
	for _, ne := range e.NodeExecutions {
		if ne.NodeID == nodeID {
			out = append(out, ne)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
