package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/rendis/deflow/pkg/schema"
)

// Retention defaults.
const (
	DefaultMaxRetained = 1000
	DefaultTTL         = 24 * time.Hour
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// MaxRetained bounds the number of finished executions kept in memory.
	// The least recently read ones are dropped first.
	MaxRetained int
	// TTL is how long a finished execution is kept before Prune drops it.
	TTL time.Duration
	// Archive, when set, receives every execution as it finishes and serves
	// reads for executions no longer in memory.
	Archive Archive
	Logger  *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	exec *schema.WorkflowExecution
	logs []schema.ExecutionLog
}

// MemoryStore keeps executions in memory with one lock per execution.
// Running executions are never evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	finished *lru.Cache // ids of finished executions, for the count bound
	evicted  []string   // filled by the lru callback, guarded by mu
	cfg      MemoryConfig
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = DefaultMaxRetained
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &MemoryStore{entries: make(map[string]*entry), cfg: cfg}
	cache, err := lru.NewWithEvict(cfg.MaxRetained, func(key, _ interface{}) {
		// Runs synchronously inside Add/Remove/Purge, which are only called
		// with s.mu held.
		s.evicted = append(s.evicted, key.(string))
	})
	if err != nil {
		return nil, err
	}
	s.finished = cache
	return s, nil
}

func (s *MemoryStore) Create(_ context.Context, exec *schema.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	s.entries[exec.ID] = &entry{exec: exec.Clone()}
	if exec.Status.IsTerminal() {
		s.retainLocked(exec.ID)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	e := s.lookup(id, true)
	if e == nil {
		if s.cfg.Archive != nil {
			return s.cfg.Archive.Get(ctx, id)
		}
		return nil, storeNotFound("execution", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(exec *schema.WorkflowExecution) error) error {
	e := s.lookup(id, false)
	if e == nil {
		return storeNotFound("execution", id)
	}

	e.mu.Lock()
	wasTerminal := e.exec.Status.IsTerminal()
	if err := fn(e.exec); err != nil {
		e.mu.Unlock()
		return err
	}
	finished := !wasTerminal && e.exec.Status.IsTerminal()
	var snapshot *schema.WorkflowExecution
	var logs []schema.ExecutionLog
	if finished && s.cfg.Archive != nil {
		snapshot = e.exec.Clone()
		logs = append([]schema.ExecutionLog(nil), e.logs...)
	}
	e.mu.Unlock()

	if finished {
		s.mu.Lock()
		s.retainLocked(id)
		s.mu.Unlock()
	}
	if snapshot != nil {
		if err := s.cfg.Archive.Save(ctx, snapshot, logs); err != nil {
			s.cfg.Logger.WarnContext(ctx, "archive execution failed", "execution_id", id, "error", err)
		}
	}
	return nil
}

// AddLog appends a log line. A line added after the execution finished is
// written through to the archive as well, so the archived log stays whole.
func (s *MemoryStore) AddLog(ctx context.Context, id string, log schema.ExecutionLog) error {
	e := s.lookup(id, false)
	if e == nil {
		return storeNotFound("execution", id)
	}
	e.mu.Lock()
	e.logs = append(e.logs, log)
	var snapshot *schema.WorkflowExecution
	var logs []schema.ExecutionLog
	if s.cfg.Archive != nil && e.exec.Status.IsTerminal() {
		snapshot = e.exec.Clone()
		logs = append([]schema.ExecutionLog(nil), e.logs...)
	}
	e.mu.Unlock()

	if snapshot != nil {
		if err := s.cfg.Archive.Save(ctx, snapshot, logs); err != nil {
			s.cfg.Logger.WarnContext(ctx, "archive late log failed", "execution_id", id, "error", err)
		}
	}
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, id string) ([]schema.ExecutionLog, error) {
	e := s.lookup(id, true)
	if e == nil {
		if s.cfg.Archive != nil {
			return s.cfg.Archive.Logs(ctx, id)
		}
		return nil, storeNotFound("execution", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.ExecutionLog(nil), e.logs...), nil
}

// All returns copies of every in-memory execution, oldest first.
func (s *MemoryStore) All(_ context.Context) ([]*schema.WorkflowExecution, error) {
	return s.snapshot(func(*schema.WorkflowExecution) bool { return true }), nil
}

func (s *MemoryStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error) {
	out := s.snapshot(func(e *schema.WorkflowExecution) bool { return e.WorkflowID == workflowID })
	if s.cfg.Archive == nil {
		return out, nil
	}
	archived, err := s.cfg.Archive.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, e := range out {
		seen[e.ID] = true
	}
	for _, e := range archived {
		if !seen[e.ID] {
			out = append(out, e)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.finished.Purge()
	s.evicted = nil
	s.mu.Unlock()

	if s.cfg.Archive != nil {
		return s.cfg.Archive.Clear(ctx)
	}
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.TTL)

	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var expired []string
	for id, e := range candidates {
		e.mu.Lock()
		done := e.exec.Status.IsTerminal() && e.exec.CompletedAt != nil && e.exec.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if done {
			expired = append(expired, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range expired {
		delete(s.entries, id)
		s.finished.Remove(id)
	}
	s.dropEvictedLocked()
	return len(expired), nil
}

// Len returns the number of executions held in memory.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) lookup(id string, touch bool) *entry {
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	if e != nil && touch {
		// Reads refresh the id's recency in the count bound.
		s.finished.Get(id)
	}
	return e
}

// retainLocked registers a finished execution with the count bound and drops
// whatever the bound evicts. Caller holds s.mu.
func (s *MemoryStore) retainLocked(id string) {
	s.finished.Add(id, struct{}{})
	s.dropEvictedLocked()
}

func (s *MemoryStore) dropEvictedLocked() {
	for _, id := range s.evicted {
		delete(s.entries, id)
	}
	s.evicted = s.evicted[:0]
}

func (s *MemoryStore) snapshot(keep func(*schema.WorkflowExecution) bool) []*schema.WorkflowExecution {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*schema.WorkflowExecution, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.exec) {
			out = append(out, e.exec.Clone())
		}
		e.mu.Unlock()
	}
	sortByStart(out)
	return out
}

func sortByStart(execs []*schema.WorkflowExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
}

var _ ExecutionStore = (*MemoryStore)(nil)
