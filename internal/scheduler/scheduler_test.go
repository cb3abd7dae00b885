package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deflow/pkg/schema"
)

// mockRunner tracks ExecuteWorkflow calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	status schema.ExecutionStatus
	block  chan struct{}
}

type runCall struct {
	WorkflowID string
	Trigger    map[string]any
	UserID     string
}

func (r *mockRunner) ExecuteWorkflow(_ context.Context, wf *schema.Workflow, trigger json.RawMessage, userID string) *schema.WorkflowExecution {
	if r.block != nil {
		<-r.block
	}
	var payload map[string]any
	_ = json.Unmarshal(trigger, &payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: wf.ID, Trigger: payload, UserID: userID})
	status := r.status
	if status == "" {
		status = schema.ExecutionStatusCompleted
	}
	return &schema.WorkflowExecution{ID: "exec-" + wf.ID, WorkflowID: wf.ID, Status: status, ErrorMessage: "boom"}
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestScheduler(runner Runner, clock *fakeClock) *Scheduler {
	return NewScheduler(runner, Config{Now: clock.Now, Logger: slog.Default(), Interval: 10 * time.Millisecond})
}

func scheduledWorkflow(id string, crons ...string) *schema.Workflow {
	wf := &schema.Workflow{ID: id}
	for i, c := range crons {
		wf.Nodes = append(wf.Nodes, schema.WorkflowNode{
			ID:            "sched-" + string(rune('a'+i)),
			NodeType:      "schedule_trigger",
			Configuration: schema.NodeConfiguration{Parameters: map[string]any{"cron": c}},
		})
	}
	wf.Nodes = append(wf.Nodes, schema.WorkflowNode{ID: "manual", NodeType: "manual_trigger"})
	return wf
}

var base = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	// Every hour at minute 0.
	next, err := CalculateNextRun("0 * * * *", "", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = CalculateNextRun("*/15 * * * *", "", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptor.
	next, err = CalculateNextRun("@daily", "", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Timezone applied.
	next, err = CalculateNextRun("0 9 * * *", "America/New_York", base)
	require.NoError(t, err)
	assert.Equal(t, 9, next.In(mustLocation(t, "America/New_York")).Hour())

	// Invalid expression.
	_, err = CalculateNextRun("invalid cron", "", base)
	require.Error(t, err)
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestRegister(t *testing.T) {
	clock := &fakeClock{now: base}
	sched := newTestScheduler(&mockRunner{}, clock)

	n, err := sched.Register(scheduledWorkflow("wf-1", "0 * * * *", "*/15 * * * *"), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := sched.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "wf-1/sched-a", jobs[0].ID)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), jobs[0].NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), jobs[1].NextRunAt)
	assert.Equal(t, "user-1", jobs[1].UserID)
}

func TestRegisterReplacesAndUnregisters(t *testing.T) {
	clock := &fakeClock{now: base}
	sched := newTestScheduler(&mockRunner{}, clock)

	_, err := sched.Register(scheduledWorkflow("wf-1", "0 * * * *", "0 0 * * *"), "")
	require.NoError(t, err)
	_, err = sched.Register(scheduledWorkflow("wf-1", "0 * * * *"), "")
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 1)

	assert.Equal(t, 1, sched.Unregister("wf-1"))
	assert.Empty(t, sched.Jobs())
}

func TestRegisterRejectsInvalidCron(t *testing.T) {
	sched := newTestScheduler(&mockRunner{}, &fakeClock{now: base})

	_, err := sched.Register(scheduledWorkflow("wf-bad", "not a cron"), "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Empty(t, sched.Jobs())

	_, err = sched.Register(&schema.Workflow{}, "")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegisterIgnoresTriggersWithoutCron(t *testing.T) {
	sched := newTestScheduler(&mockRunner{}, &fakeClock{now: base})

	n, err := sched.Register(scheduledWorkflow("wf-none"), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickRunsDueJobs(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{}
	sched := newTestScheduler(runner, clock)
	ctx := context.Background()

	_, err := sched.Register(scheduledWorkflow("wf-1", "*/15 * * * *"), "user-1")
	require.NoError(t, err)

	// Not due yet.
	assert.Zero(t, sched.tick(ctx))
	assert.Zero(t, runner.callCount())

	clock.Set(base.Add(15 * time.Minute))
	assert.Equal(t, 1, sched.tick(ctx))
	require.Equal(t, 1, runner.callCount())

	call := runner.calls[0]
	assert.Equal(t, "wf-1", call.WorkflowID)
	assert.Equal(t, "user-1", call.UserID)
	assert.Equal(t, "wf-1/sched-a", call.Trigger["job_id"])
	assert.Equal(t, "2026-02-10T12:15:00Z", call.Trigger["scheduled_at"])

	job := sched.Jobs()[0]
	require.NotNil(t, job.LastRunAt)
	assert.Equal(t, "completed", job.LastRunStatus)
	assert.Equal(t, "exec-wf-1", job.LastExecutionID)
	assert.Equal(t, base.Add(30*time.Minute), job.NextRunAt)

	// Already advanced: a second tick at the same instant runs nothing.
	assert.Zero(t, sched.tick(ctx))
}

func TestMissedRunsOnce(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{}
	sched := newTestScheduler(runner, clock)

	_, err := sched.Register(scheduledWorkflow("wf-1", "*/15 * * * *"), "")
	require.NoError(t, err)

	// Several periods missed: one catch-up run, then back on schedule.
	clock.Set(base.Add(2 * time.Hour))
	assert.Equal(t, 1, sched.tick(context.Background()))
	assert.Equal(t, base.Add(2*time.Hour+15*time.Minute), sched.Jobs()[0].NextRunAt)
}

func TestJobRunFailure(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{status: schema.ExecutionStatusFailed}
	sched := newTestScheduler(runner, clock)

	_, err := sched.Register(scheduledWorkflow("wf-1", "0 * * * *"), "")
	require.NoError(t, err)

	clock.Set(base.Add(time.Hour))
	sched.tick(context.Background())

	job := sched.Jobs()[0]
	assert.Equal(t, "failed", job.LastRunStatus)
	assert.True(t, job.NextRunAt.After(clock.Now()))
}

func TestMultipleJobsSomeDue(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{}
	sched := newTestScheduler(runner, clock)

	_, err := sched.Register(scheduledWorkflow("wf-fast", "*/15 * * * *"), "")
	require.NoError(t, err)
	_, err = sched.Register(scheduledWorkflow("wf-slow", "0 0 * * *"), "")
	require.NoError(t, err)

	clock.Set(base.Add(15 * time.Minute))
	assert.Equal(t, 1, sched.tick(context.Background()))
	assert.Equal(t, "wf-fast", runner.calls[0].WorkflowID)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{block: make(chan struct{})}
	sched := newTestScheduler(runner, clock)

	_, err := sched.Register(scheduledWorkflow("wf-1", "*/15 * * * *"), "")
	require.NoError(t, err)
	clock.Set(base.Add(15 * time.Minute))

	// Hold the job in flight.
	require.True(t, sched.tryAcquire("wf-1/sched-a"))
	assert.Zero(t, sched.tick(context.Background()))
	sched.releaseJob("wf-1/sched-a")

	close(runner.block)
	assert.Equal(t, 1, sched.tick(context.Background()))
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{now: base}
	runner := &mockRunner{}
	sched := newTestScheduler(runner, clock)

	_, err := sched.Register(scheduledWorkflow("wf-1", "*/15 * * * *"), "")
	require.NoError(t, err)
	clock.Set(base.Add(15 * time.Minute))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx), "second start must fail")

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")

	// Restartable after stop.
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop())
}
