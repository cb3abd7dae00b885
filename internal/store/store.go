package store

import (
	"context"
	"time"

	"github.com/rendis/deflow/pkg/schema"
)

// ExecutionStore holds workflow executions and their logs.
// All implementations must be safe for concurrent use.
type ExecutionStore interface {
	Create(ctx context.Context, exec *schema.WorkflowExecution) error
	// Get returns a deep copy of the execution.
	Get(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	// Update runs fn on the live record under the execution's lock.
	Update(ctx context.Context, id string, fn func(exec *schema.WorkflowExecution) error) error

	// Logs (append-only)
	AddLog(ctx context.Context, id string, entry schema.ExecutionLog) error
	Logs(ctx context.Context, id string) ([]schema.ExecutionLog, error)

	All(ctx context.Context) ([]*schema.WorkflowExecution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error)
	Clear(ctx context.Context) error
	// Prune drops finished executions older than the retention TTL.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Archive is durable storage for finished executions.
type Archive interface {
	Save(ctx context.Context, exec *schema.WorkflowExecution, logs []schema.ExecutionLog) error
	Get(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	Logs(ctx context.Context, id string) ([]schema.ExecutionLog, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error)
	Clear(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
