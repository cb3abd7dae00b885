// Package scheduler fires workflows whose schedule_trigger nodes carry a
// cron expression.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/deflow/internal/nodes"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = 15 * time.Second

// scheduleTriggerType is the node type that carries a cron schedule.
const scheduleTriggerType = "schedule_trigger"

// Runner runs a workflow. Satisfied by *engine.Engine.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, wf *schema.Workflow, trigger json.RawMessage, userID string) *schema.WorkflowExecution
}

// Job is one schedule_trigger node of a registered workflow.
type Job struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	NodeID          string     `json:"node_id"`
	Cron            string     `json:"cron"`
	Timezone        string     `json:"timezone,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`

	workflow *schema.Workflow
	schedule cron.Schedule
}

// Config tunes a Scheduler.
type Config struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Scheduler polls its registered jobs and runs those that are due.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Runner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job for every schedule_trigger node of wf that has a cron
// parameter, replacing jobs previously registered for the same workflow. It
// returns the number of jobs registered.
func (s *Scheduler) Register(wf *schema.Workflow, userID string) (int, error) {
	if wf == nil || wf.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}

	now := s.now()
	var jobs []*Job
	for _, n := range wf.Nodes {
		if n.NodeType != scheduleTriggerType {
			continue
		}
		expr, _ := n.Param("cron")
		spec, ok := expr.(string)
		if !ok || spec == "" {
			continue
		}
		tz, _ := n.Param("timezone")
		zone, _ := tz.(string)
		sched, err := nodes.ParseCron(spec, zone)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", spec, err).WithNode(n.ID)
		}
		jobs = append(jobs, &Job{
			ID:         wf.ID + "/" + n.ID,
			WorkflowID: wf.ID,
			NodeID:     n.ID,
			Cron:       spec,
			Timezone:   zone,
			UserID:     userID,
			NextRunAt:  sched.Next(now),
			workflow:   wf,
			schedule:   sched,
		})
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.removeLocked(wf.ID)
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	if len(jobs) > 0 {
		s.logger.Info("workflow scheduled",
			slog.String("workflow_id", wf.ID),
			slog.Int("jobs", len(jobs)),
		)
	}
	return len(jobs), nil
}

// Unregister drops every job of workflowID and returns how many were removed.
func (s *Scheduler) Unregister(workflowID string) int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.removeLocked(workflowID)
}

func (s *Scheduler) removeLocked(workflowID string) int {
	removed := 0
	for id, j := range s.jobs {
		if j.WorkflowID == workflowID {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Jobs returns a snapshot of the registered jobs ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (j *Job) snapshot() Job {
	cp := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	cp.workflow = nil
	cp.schedule = nil
	return cp
}

// Start launches the background scheduling loop. Jobs that became due while
// the scheduler was stopped run once on the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job that is due and returns how many ran.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now()

	s.jobsMu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.jobsMu.Unlock()
	sort.Slice(due, func(a, b int) bool { return due[a].ID < due[b].ID })

	ran := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(j.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.ID)
		ran++
	}
	return ran
}

// runJob executes a job's workflow and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, j *Job, now time.Time) {
	s.logger.Info("running scheduled workflow",
		slog.String("job_id", j.ID),
		slog.String("workflow_id", j.WorkflowID),
	)

	trigger := xjson.MustMarshal(map[string]any{
		"scheduled_at": j.NextRunAt.UTC().Format(time.RFC3339),
		"fired_at":     now.UTC().Format(time.RFC3339),
		"job_id":       j.ID,
		"node_id":      j.NodeID,
	})
	exec := s.runner.ExecuteWorkflow(ctx, j.workflow, trigger, j.UserID)

	status := "error"
	execID := ""
	if exec != nil {
		status = string(exec.Status)
		execID = exec.ID
		if exec.Status == schema.ExecutionStatusFailed {
			s.logger.Error("scheduled workflow failed",
				slog.String("job_id", j.ID),
				slog.String("execution_id", exec.ID),
				slog.String("error", exec.ErrorMessage),
			)
		}
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j.LastRunAt = &now
	j.LastRunStatus = status
	j.LastExecutionID = execID
	j.NextRunAt = j.schedule.Next(now)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func CalculateNextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := nodes.ParseCron(cronExpr, timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
