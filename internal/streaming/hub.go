// Package streaming fans execution log lines out to live subscribers.
package streaming

import (
	"context"

	"github.com/rendis/deflow/pkg/schema"
)

// LogEvent is one execution log line published while a workflow runs.
type LogEvent struct {
	ExecutionID string              `json:"execution_id"`
	WorkflowID  string              `json:"workflow_id"`
	Log         schema.ExecutionLog `json:"log"`
}

// Filter selects the events a subscriber receives. Zero values match all.
type Filter struct {
	ExecutionID string            `json:"execution_id,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Levels      []schema.LogLevel `json:"levels,omitempty"`
}

// Hub is pub/sub for execution log events.
type Hub interface {
	Publish(ctx context.Context, event LogEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan LogEvent, func(), error)
}
