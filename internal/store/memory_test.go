package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deflow/pkg/schema"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(cfg)
	require.NoError(t, err)
	return s
}

func runningExecution(id, workflowID string, started time.Time) *schema.WorkflowExecution {
	return &schema.WorkflowExecution{
		ID:             id,
		WorkflowID:     workflowID,
		Status:         schema.ExecutionStatusRunning,
		StartedAt:      started,
		NodeExecutions: []*schema.NodeExecution{},
	}
}

func finish(t *testing.T, s *MemoryStore, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), id, func(e *schema.WorkflowExecution) error {
		e.Status = schema.ExecutionStatusCompleted
		e.CompletedAt = &at
		return nil
	}))
}

func TestMemoryCreateAndGet(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Create(ctx, runningExecution("e1", "wf", now)))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)

	// Mutating the copy must not touch the stored record.
	got.Status = schema.ExecutionStatusFailed
	got.NodeExecutions = append(got.NodeExecutions, &schema.NodeExecution{NodeID: "x"})
	again, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, again.Status)
	assert.Empty(t, again.NodeExecutions)
}

func TestMemoryCreateRejects(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	err := s.Create(ctx, &schema.WorkflowExecution{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	require.NoError(t, s.Create(ctx, runningExecution("e1", "wf", time.Now())))
	err = s.Create(ctx, runningExecution("e1", "wf", time.Now()))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestMemoryGetNotFound(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})

	_, err := s.Get(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = s.Logs(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	err = s.Update(context.Background(), "nope", func(*schema.WorkflowExecution) error { return nil })
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	err = s.AddLog(context.Background(), "nope", schema.ExecutionLog{})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestMemoryUpdateError(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, runningExecution("e1", "wf", time.Now())))

	err := s.Update(ctx, "e1", func(*schema.WorkflowExecution) error { return fmt.Errorf("rejected") })
	assert.EqualError(t, err, "rejected")
}

func TestMemoryLogsAreOrderedCopies(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, runningExecution("e1", "wf", time.Now())))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddLog(ctx, "e1", schema.ExecutionLog{
			Timestamp: time.Now(),
			Level:     schema.LogLevelInfo,
			Message:   fmt.Sprintf("line %d", i),
		}))
	}

	logs, err := s.Logs(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "line 0", logs[0].Message)
	assert.Equal(t, "line 2", logs[2].Message)

	logs[0].Message = "changed"
	again, _ := s.Logs(ctx, "e1")
	assert.Equal(t, "line 0", again[0].Message)
}

func TestMemoryRetentionBoundSkipsRunning(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{MaxRetained: 2})
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Create(ctx, runningExecution("live", "wf", base)))
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("done-%d", i)
		require.NoError(t, s.Create(ctx, runningExecution(id, "wf", base.Add(time.Duration(i+1)*time.Second))))
		finish(t, s, id, base)
	}

	assert.Equal(t, 3, s.Len())
	_, err := s.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "done-0")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = s.Get(ctx, "done-3")
	assert.NoError(t, err)
}

func TestMemoryPrune(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{TTL: time.Hour})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, runningExecution("old", "wf", now.Add(-3*time.Hour))))
	finish(t, s, "old", now.Add(-2*time.Hour))
	require.NoError(t, s.Create(ctx, runningExecution("recent", "wf", now.Add(-time.Minute))))
	finish(t, s, "recent", now.Add(-30*time.Second))
	require.NoError(t, s.Create(ctx, runningExecution("live", "wf", now.Add(-5*time.Hour))))

	n, err := s.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "live", all[0].ID)
	assert.Equal(t, "recent", all[1].ID)
}

func TestMemoryListByWorkflowAndClear(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Create(ctx, runningExecution("b", "wf-1", base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, runningExecution("a", "wf-1", base)))
	require.NoError(t, s.Create(ctx, runningExecution("c", "wf-2", base)))

	list, err := s.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, s.Clear(ctx))
	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryArchivesFinishedExecutions(t *testing.T) {
	archive := newTestArchive(t)
	s := newTestMemory(t, MemoryConfig{MaxRetained: 1, Archive: archive})
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Create(ctx, runningExecution("first", "wf", base)))
	require.NoError(t, s.AddLog(ctx, "first", schema.ExecutionLog{Timestamp: base, Level: schema.LogLevelInfo, Message: "hello"}))
	require.NoError(t, s.Update(ctx, "first", func(e *schema.WorkflowExecution) error {
		e.NodeExecutions = append(e.NodeExecutions, &schema.NodeExecution{
			ID: "n1", ExecutionID: "first", NodeID: "t", NodeType: "manual_trigger",
			Status: schema.ExecutionStatusCompleted, StartedAt: base,
			OutputData: json.RawMessage(`{"ok":true}`),
		})
		return nil
	}))
	finish(t, s, "first", base)

	require.NoError(t, s.Create(ctx, runningExecution("second", "wf", base.Add(time.Second))))
	finish(t, s, "second", base.Add(time.Second))
	assert.Equal(t, 1, s.Len())

	// Evicted from memory, served by the archive.
	got, err := s.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.Len(t, got.NodeExecutions, 1)
	assert.JSONEq(t, `{"ok":true}`, string(got.NodeExecutions[0].OutputData))

	logs, err := s.Logs(ctx, "first")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Message)

	list, err := s.ListByWorkflow(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)

	require.NoError(t, s.Clear(ctx))
	_, err = s.Get(ctx, "first")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestMemoryLateLogReachesArchive(t *testing.T) {
	archive := newTestArchive(t)
	s := newTestMemory(t, MemoryConfig{MaxRetained: 1, Archive: archive})
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Create(ctx, runningExecution("first", "wf", base)))
	require.NoError(t, s.AddLog(ctx, "first", schema.ExecutionLog{Timestamp: base, Level: schema.LogLevelInfo, Message: "started"}))
	finish(t, s, "first", base)
	require.NoError(t, s.AddLog(ctx, "first", schema.ExecutionLog{Timestamp: base, Level: schema.LogLevelInfo, Message: "finished"}))

	require.NoError(t, s.Create(ctx, runningExecution("second", "wf", base.Add(time.Second))))
	finish(t, s, "second", base.Add(time.Second))

	logs, err := archive.Logs(ctx, "first")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "finished", logs[1].Message)

	fromStore, err := s.Logs(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, logs, fromStore)
}

func TestMemoryConcurrentUpdates(t *testing.T) {
	s := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, runningExecution("e1", "wf", time.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(ctx, "e1", func(e *schema.WorkflowExecution) error {
				e.NodeExecutions = append(e.NodeExecutions, &schema.NodeExecution{NodeID: fmt.Sprintf("n%d", i)})
				return nil
			})
			_ = s.AddLog(ctx, "e1", schema.ExecutionLog{Message: "x"})
			_, _ = s.Get(ctx, "e1")
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, got.NodeExecutions, 50)
	logs, _ := s.Logs(ctx, "e1")
	assert.Len(t, logs, 50)
}
