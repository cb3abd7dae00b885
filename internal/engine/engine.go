// Package engine drives workflow executions: it finds trigger nodes, runs
// them concurrently and fans out along connections, recording every node
// execution, fee and log line in the execution store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/deflow/internal/billing"
	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/graph"
	"github.com/rendis/deflow/internal/logging"
	"github.com/rendis/deflow/internal/nodes"
	"github.com/rendis/deflow/internal/store"
	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPoolSize    = 10
	DefaultNodeTimeout = 5 * time.Minute
	DefaultMaxDepth    = 64
)

// errNoTriggers is the run error of a workflow without trigger nodes.
const errNoTriggers = "no trigger nodes found in workflow"

// Config holds engine tuning.
type Config struct {
	PoolSize    int           // max executors running at once
	NodeTimeout time.Duration // per-node timeout unless the node sets node_timeout
	MaxDepth    int           // traversal depth bound, protects cyclic graphs
	JoinMode    JoinMode
	// EnforceTiers fails nodes whose catalog entry requires a higher
	// subscription tier than the caller's.
	EnforceTiers bool
	Clock        Clock
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.JoinMode == "" {
		c.JoinMode = JoinNone
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the engine's collaborators. Every field is optional.
type Deps struct {
	// Registry of executors. When nil the built-ins are registered using
	// Nodes, and the registry is sealed.
	Registry      *nodes.Registry
	Nodes         nodes.Deps
	Catalog       catalog.Catalog
	Subscriptions billing.SubscriptionService
	Store         store.ExecutionStore
	Hub           streaming.Hub
}

// Engine executes workflows. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	registry *nodes.Registry
	catalog  catalog.Catalog
	billing  *billing.Calculator
	store    store.ExecutionStore
	hub      streaming.Hub
	pool     *Pool
	status   *StatusMachine
	clock    Clock
	logger   *slog.Logger
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if !cfg.JoinMode.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown join mode %q", cfg.JoinMode)
	}

	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Builtin()
	}

	reg := deps.Registry
	if reg == nil {
		reg = nodes.NewRegistry()
		nd := deps.Nodes
		if nd.Catalog == nil {
			nd.Catalog = cat
		}
		if nd.Logger == nil {
			nd.Logger = cfg.Logger
		}
		if err := nodes.RegisterBuiltins(reg, nd); err != nil {
			return nil, fmt.Errorf("register built-in executors: %w", err)
		}
	}
	reg.Seal()

	st := deps.Store
	if st == nil {
		mem, err := store.NewMemoryStore(store.MemoryConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("create execution store: %w", err)
		}
		st = mem
	}

	return &Engine{
		cfg:      cfg,
		registry: reg,
		catalog:  cat,
		billing:  billing.NewCalculator(cat, deps.Subscriptions, cfg.Logger),
		store:    st,
		hub:      deps.Hub,
		pool:     NewPool(cfg.PoolSize),
		status:   NewStatusMachine(),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Registry returns the sealed executor registry.
func (e *Engine) Registry() *nodes.Registry { return e.registry }

// Catalog returns the node-type catalog.
func (e *Engine) Catalog() catalog.Catalog { return e.catalog }

// Status returns the status machine, for registering transition hooks.
func (e *Engine) Status() *StatusMachine { return e.status }

// PoolMetrics returns a snapshot of the executor pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Close stops the executor pool after running executors return.
func (e *Engine) Close() { e.pool.Shutdown() }

// run is the state shared by all branches of one execution.
type run struct {
	id      string
	wf      *schema.Workflow
	userID  string
	started time.Time
	tier    schema.SubscriptionTier
	joins   *joinTracker
	// invalid holds load-time errors confined to one node, by node id.
	invalid map[string]error
}

// root is a node a run starts from, with its input payload.
type root struct {
	node schema.WorkflowNode
	data json.RawMessage
}

// ExecuteWorkflow runs wf with the given trigger payload on behalf of userID.
// Failures are reported through the returned record's status and error
// message, never as a Go error.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *schema.Workflow, trigger json.RawMessage, userID string) *schema.WorkflowExecution {
	data := xjson.Normalize(trigger)
	exec := e.newExecution(wf, userID, data, nil)
	return e.start(ctx, wf, exec, func() ([]root, string) {
		triggers := graph.FindTriggerNodes(wf, e.catalog)
		if len(triggers) == 0 {
			return nil, errNoTriggers
		}
		roots := make([]root, len(triggers))
		for i, t := range triggers {
			roots[i] = root{node: t, data: data}
		}
		return roots, ""
	})
}

// RetryFromNode starts a new execution of wf that re-runs nodeID from the
// input it received in a previous execution and continues its branch.
// The new execution carries metadata retry_of.
func (e *Engine) RetryFromNode(ctx context.Context, wf *schema.Workflow, executionID, nodeID string) (*schema.WorkflowExecution, error) {
	prev, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if wf == nil || wf.ID != prev.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s does not belong to the given workflow", executionID)
	}
	node, ok := wf.Node(nodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found in workflow %s", nodeID, wf.ID)
	}

	var failed *schema.NodeExecution
	for _, ne := range prev.FindNodeExecutions(nodeID) {
		if ne.Status == schema.ExecutionStatusFailed {
			failed = ne
		}
	}
	if failed == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"node %s has no failed execution in %s", nodeID, executionID).WithNode(nodeID)
	}

	input := xjson.Normalize(failed.InputData)
	exec := e.newExecution(wf, prev.UserID, prev.TriggerData, map[string]string{
		"retry_of":   prev.ID,
		"retry_node": nodeID,
	})
	return e.start(ctx, wf, exec, func() ([]root, string) {
		return []root{{node: node, data: input}}, ""
	}), nil
}

// ValidateWorkflow runs the load-time checks: graph integrity, node_timeout
// values and every known executor's parameter validation. Graph errors are
// workflow-level. Parameter and node_timeout errors carry their node id and,
// like unknown node types (warnings), fail only that node at run time.
func (e *Engine) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	result := graph.Validate(wf)
	if wf == nil {
		return result
	}
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if _, err := nodeTimeout(n, e.cfg.NodeTimeout); err != nil {
			result.NodeErrorf(n.ID, path+".configuration.parameters.node_timeout", schema.ErrCodeValidation,
				"node %s: %s", n.ID, messageOf(err))
		}
		executor, err := e.registry.Get(n.NodeType)
		if err != nil {
			result.Warnf(path+".node_type", schema.ErrCodeExecutorNotFound, "%s", err.Error())
			continue
		}
		if err := executor.Validate(n.Configuration.Parameters); err != nil {
			code := schema.CodeOf(err)
			if code == "" {
				code = schema.ErrCodeValidation
			}
			result.NodeErrorf(n.ID, path+".configuration.parameters", code, "node %s: %s", n.ID, messageOf(err))
		}
	}
	return result
}

// GetExecution returns a copy of an execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	return e.store.Get(ctx, id)
}

// GetExecutionLogs returns the log of an execution in append order.
func (e *Engine) GetExecutionLogs(ctx context.Context, id string) ([]schema.ExecutionLog, error) {
	return e.store.Logs(ctx, id)
}

// GetAllExecutions returns every execution held in memory, oldest first.
func (e *Engine) GetAllExecutions(ctx context.Context) ([]*schema.WorkflowExecution, error) {
	return e.store.All(ctx)
}

// ListExecutions returns the executions of one workflow, oldest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error) {
	return e.store.ListByWorkflow(ctx, workflowID)
}

// ClearExecutionHistory drops every execution and log.
func (e *Engine) ClearExecutionHistory(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// PruneExecutions drops finished executions past the store's retention TTL.
func (e *Engine) PruneExecutions(ctx context.Context) (int, error) {
	return e.store.Prune(ctx, e.clock.Now())
}

func (e *Engine) newExecution(wf *schema.Workflow, userID string, trigger json.RawMessage, metadata map[string]string) *schema.WorkflowExecution {
	exec := &schema.WorkflowExecution{
		ID:             uuid.New().String(),
		UserID:         userID,
		Status:         schema.ExecutionStatusRunning,
		StartedAt:      e.clock.Now(),
		TriggerData:    trigger,
		NodeExecutions: []*schema.NodeExecution{},
		Metadata:       metadata,
	}
	if wf != nil {
		exec.WorkflowID = wf.ID
	}
	return exec
}

// start registers exec, resolves its roots, runs the load checks and then
// every branch. resolve returns either roots or a run error.
func (e *Engine) start(ctx context.Context, wf *schema.Workflow, exec *schema.WorkflowExecution, resolve func() ([]root, string)) *schema.WorkflowExecution {
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID, exec.UserID)

	if err := e.store.Create(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "register execution failed", slog.String("error", err.Error()))
		return e.abandon(exec, err.Error())
	}

	r := &run{id: exec.ID, wf: wf, userID: exec.UserID, started: exec.StartedAt}
	e.log(ctx, r, schema.LogLevelInfo, "", "Workflow execution started", map[string]any{
		"workflow_id": exec.WorkflowID,
		"user_id":     exec.UserID,
	})

	if wf == nil {
		return e.finish(ctx, r, errors.New("workflow is nil"), false)
	}
	roots, msg := resolve()
	if msg != "" {
		return e.finish(ctx, r, errors.New(msg), false)
	}

	validation := e.ValidateWorkflow(wf)
	if structural := validation.Structural(); len(structural) > 0 {
		return e.finish(ctx, r, loadError(structural), false)
	}
	for _, w := range validation.Warnings {
		e.logger.WarnContext(ctx, "workflow warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	for nodeID, issues := range validation.ByNode() {
		if r.invalid == nil {
			r.invalid = make(map[string]error)
		}
		r.invalid[nodeID] = invalidNodeError(issues)
	}

	r.tier = e.billing.Tier(ctx, r.userID)
	if e.cfg.JoinMode == JoinAll {
		r.joins = newJoinTracker()
	}
	return e.finish(ctx, r, e.runBranches(ctx, r, roots), true)
}

// runBranches starts every root concurrently and waits for all of them.
// A failing branch never cancels its siblings.
func (e *Engine) runBranches(ctx context.Context, r *run, roots []root) error {
	errs := make([]error, len(roots))
	var wg sync.WaitGroup
	for i, rt := range roots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ectx := &nodes.ExecutionContext{
				WorkflowID:  r.wf.ID,
				ExecutionID: r.id,
				Variables:   map[string]any{},
				CurrentData: rt.data,
				UserID:      r.userID,
				Metadata:    map[string]any{"workflow_name": r.wf.Name},
			}
			errs[i] = e.executeNode(ctx, r, rt.node, ectx, 1)
		}()
	}
	wg.Wait()
	return joinErrors(errs)
}

// executeNode runs one node and, when it succeeds, its connected nodes.
// The returned error aggregates this node's failure or its descendants'.
func (e *Engine) executeNode(ctx context.Context, r *run, node schema.WorkflowNode, ectx *nodes.ExecutionContext, depth int) error {
	ctx = logging.WithNode(ctx, node.ID)
	started := e.clock.Now()

	idx, err := e.appendNodeExecution(ctx, r, node, ectx.CurrentData, started)
	if err != nil {
		e.log(ctx, r, schema.LogLevelError, node.ID, fmt.Sprintf("Node %s could not be recorded: %s", node.ID, err), nil)
		return nodeError(node, err.Error())
	}

	quote := billing.Quote{Fee: e.billing.Fee(node, r.tier), Tier: r.tier}
	e.log(ctx, r, schema.LogLevelInfo, node.ID,
		fmt.Sprintf("Executing node %s (%s) with fee %.4f (tier: %s)", node.ID, node.NodeType, quote.Fee, quote.Tier),
		quote)

	result := e.invoke(ctx, r, node, ectx, depth)
	completed := e.clock.Now()
	result.Duration = elapsedMillis(started, completed)
	if result.Success && quote.Applies() {
		result.Data = attachFee(result.Data, quote)
	}
	for _, line := range result.Logs {
		e.log(ctx, r, schema.LogLevelDebug, node.ID, line, nil)
	}
	for _, w := range result.Warnings {
		e.log(ctx, r, schema.LogLevelWarn, node.ID, w, nil)
	}
	if err := e.finishNode(ctx, r, idx, result, quote.Fee, completed); err != nil {
		e.logger.ErrorContext(ctx, "record node result failed", slog.String("error", err.Error()))
	}

	if !result.Success {
		e.log(ctx, r, schema.LogLevelError, node.ID, fmt.Sprintf("Node %s failed: %s", node.ID, result.Error), nil)
		return nodeError(node, result.Error)
	}
	e.log(ctx, r, schema.LogLevelInfo, node.ID,
		fmt.Sprintf("Node %s completed in %dms", node.ID, result.Duration), nil)

	return e.fanOut(ctx, r, node, ectx.Derive(result.Data), depth)
}

// invoke resolves and runs the node's executor. It always returns a result;
// errors and panics become failed results.
func (e *Engine) invoke(ctx context.Context, r *run, node schema.WorkflowNode, ectx *nodes.ExecutionContext, depth int) *nodes.ExecutionResult {
	if depth > e.cfg.MaxDepth {
		return failWith(schema.NewErrorf(schema.ErrCodeMaxDepth,
			"maximum traversal depth %d exceeded", e.cfg.MaxDepth))
	}
	if err := ctx.Err(); err != nil {
		return failWith(schema.NewErrorf(schema.ErrCodeCancelled, "execution cancelled: %s", err).WithCause(err))
	}
	if e.cfg.EnforceTiers && !e.billing.Allowed(node, r.tier) {
		def, _ := e.catalog.Lookup(node.NodeType)
		return failWith(schema.NewErrorf(schema.ErrCodeTierRestricted,
			"node type %s requires the %s tier (current: %s)", node.NodeType, def.MinTier, r.tier))
	}

	executor, err := e.registry.Get(node.NodeType)
	if err != nil {
		return failWith(err)
	}
	if err := r.invalid[node.ID]; err != nil {
		return failWith(err)
	}

	timeout, err := nodeTimeout(node, e.cfg.NodeTimeout)
	if err != nil {
		return failWith(err)
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out *nodes.ExecutionResult
	err = e.pool.Run(nodeCtx, func(ctx context.Context) error {
		res, err := executor.Execute(ctx, node, ectx)
		out = res
		return err
	})
	switch {
	case err == nil && out == nil:
		return failWith(schema.NewErrorf(schema.ErrCodeExecution, "executor %s returned no result", node.NodeType))
	case err == nil:
		return out
	case ctx.Err() != nil:
		return failWith(schema.NewErrorf(schema.ErrCodeCancelled, "execution cancelled: %s", ctx.Err()).WithCause(err))
	case errors.Is(err, context.DeadlineExceeded):
		return failWith(schema.NewErrorf(schema.ErrCodeTimeout, "node timed out after %s", timeout).WithCause(err))
	default:
		return failWith(err)
	}
}

// fanOut runs the targets of node's connections concurrently, in connection
// order, and waits for all of them.
func (e *Engine) fanOut(ctx context.Context, r *run, node schema.WorkflowNode, ectx *nodes.ExecutionContext, depth int) error {
	children := graph.FindConnectedNodes(node, r.wf)
	if len(children) == 0 {
		return nil
	}
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.arrive(ctx, r, child, ectx, depth+1)
		}()
	}
	wg.Wait()
	return joinErrors(errs)
}

// arrive delivers one predecessor output to child. In JoinAll mode a child
// with several inbound connections runs only once all of them have arrived.
func (e *Engine) arrive(ctx context.Context, r *run, child schema.WorkflowNode, ectx *nodes.ExecutionContext, depth int) error {
	want := graph.InboundCount(child.ID, r.wf)
	if r.joins == nil || want <= 1 {
		return e.executeNode(ctx, r, child, ectx, depth)
	}
	inputs, ready := r.joins.arrive(child.ID, want, ectx.CurrentData)
	if !ready {
		e.log(ctx, r, schema.LogLevelDebug, child.ID,
			fmt.Sprintf("Node %s waiting for %d more input(s)", child.ID, want-r.joins.waiting(child.ID)), nil)
		return nil
	}
	return e.executeNode(ctx, r, child, ectx.Derive(mergePayloads(inputs)), depth)
}

func (e *Engine) appendNodeExecution(ctx context.Context, r *run, node schema.WorkflowNode, input json.RawMessage, started time.Time) (int, error) {
	ne := &schema.NodeExecution{
		ID:          uuid.New().String(),
		ExecutionID: r.id,
		NodeID:      node.ID,
		NodeType:    node.NodeType,
		Status:      schema.ExecutionStatusRunning,
		StartedAt:   started,
		InputData:   append(json.RawMessage(nil), input...),
	}
	idx := -1
	err := e.store.Update(context.WithoutCancel(ctx), r.id, func(exec *schema.WorkflowExecution) error {
		idx = len(exec.NodeExecutions)
		exec.NodeExecutions = append(exec.NodeExecutions, ne)
		return nil
	})
	return idx, err
}

func (e *Engine) finishNode(ctx context.Context, r *run, idx int, result *nodes.ExecutionResult, fee float64, completed time.Time) error {
	to := schema.ExecutionStatusCompleted
	if !result.Success {
		to = schema.ExecutionStatusFailed
	}
	var id string
	var from schema.ExecutionStatus
	err := e.store.Update(context.WithoutCancel(ctx), r.id, func(exec *schema.WorkflowExecution) error {
		if idx < 0 || idx >= len(exec.NodeExecutions) {
			return schema.NewErrorf(schema.ErrCodeStore, "node execution %d missing", idx)
		}
		ne := exec.NodeExecutions[idx]
		if err := e.status.Check("node", ne.ID, ne.Status, to); err != nil {
			return err
		}
		id, from = ne.ID, ne.Status
		ne.Status = to
		ne.CompletedAt = &completed
		ne.Duration = result.Duration
		ne.OutputData = result.Data
		ne.ErrorMessage = result.Error
		ne.Degraded = result.Degraded
		ne.Fee = fee
		return nil
	})
	if err != nil {
		return err
	}
	e.status.Notify("node", id, from, to)
	return nil
}

// finish moves the execution to its terminal status and returns the final
// record. logResult is false for load failures, whose log holds only the
// startup line. The closing log line is written before the status change so
// the archived copy of a finished run carries it.
func (e *Engine) finish(ctx context.Context, r *run, runErr error, logResult bool) *schema.WorkflowExecution {
	to := schema.ExecutionStatusCompleted
	if runErr != nil {
		to = schema.ExecutionStatusFailed
	}
	completed := e.clock.Now()
	duration := elapsedMillis(r.started, completed)

	switch {
	case runErr == nil:
		e.log(ctx, r, schema.LogLevelInfo, "", fmt.Sprintf("Workflow execution completed in %dms", duration), nil)
	case logResult:
		e.log(ctx, r, schema.LogLevelError, "", "Workflow execution failed: "+runErr.Error(), nil)
	default:
		e.logger.ErrorContext(ctx, "workflow execution failed", slog.String("error", runErr.Error()))
	}

	var final *schema.WorkflowExecution
	var from schema.ExecutionStatus
	err := e.store.Update(context.WithoutCancel(ctx), r.id, func(exec *schema.WorkflowExecution) error {
		if err := e.status.Check("execution", exec.ID, exec.Status, to); err != nil {
			return err
		}
		from = exec.Status
		exec.Status = to
		exec.CompletedAt = &completed
		exec.Duration = duration
		if runErr != nil {
			exec.ErrorMessage = runErr.Error()
		}
		final = exec.Clone()
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "finalize execution failed", slog.String("error", err.Error()))
		if final, err = e.store.Get(ctx, r.id); err != nil {
			return e.abandon(&schema.WorkflowExecution{ID: r.id, UserID: r.userID, StartedAt: completed}, err.Error())
		}
		return final
	}
	e.status.Notify("execution", r.id, from, to)
	return final
}

// abandon returns a failed record for an execution the store could not hold.
func (e *Engine) abandon(exec *schema.WorkflowExecution, msg string) *schema.WorkflowExecution {
	out := exec.Clone()
	now := e.clock.Now()
	out.Status = schema.ExecutionStatusFailed
	out.CompletedAt = &now
	out.Duration = elapsedMillis(out.StartedAt, now)
	out.ErrorMessage = msg
	return out
}

// log appends an execution log line, publishes it and mirrors it to slog.
func (e *Engine) log(ctx context.Context, r *run, level schema.LogLevel, nodeID, msg string, data any) {
	entry := schema.ExecutionLog{
		Timestamp: e.clock.Now(),
		Level:     level,
		Message:   msg,
		NodeID:    nodeID,
	}
	if data != nil {
		if b, err := xjson.Marshal(data); err == nil {
			entry.Data = b
		}
	}

	bg := context.WithoutCancel(ctx)
	if err := e.store.AddLog(bg, r.id, entry); err != nil {
		e.logger.WarnContext(ctx, "append execution log failed", slog.String("error", err.Error()))
	}
	if e.hub != nil {
		workflowID := ""
		if r.wf != nil {
			workflowID = r.wf.ID
		}
		_ = e.hub.Publish(bg, streaming.LogEvent{ExecutionID: r.id, WorkflowID: workflowID, Log: entry})
	}
	e.logger.Log(ctx, slogLevel(level), msg)
}

func slogLevel(l schema.LogLevel) slog.Level {
	switch l {
	case schema.LogLevelDebug:
		return slog.LevelDebug
	case schema.LogLevelWarn:
		return slog.LevelWarn
	case schema.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// nodeTimeout reads the node_timeout parameter: a Go duration string or a
// number of seconds.
func nodeTimeout(node schema.WorkflowNode, def time.Duration) (time.Duration, error) {
	v, ok := node.Param("node_timeout")
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid node_timeout %q", t)
		}
		d = parsed
	case float64:
		d = time.Duration(t * float64(time.Second))
	case int:
		d = time.Duration(t) * time.Second
	case int64:
		d = time.Duration(t) * time.Second
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "node_timeout must be a duration or seconds, got %T", v)
	}
	if d <= 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "node_timeout must be positive")
	}
	return d, nil
}

func failWith(err error) *nodes.ExecutionResult {
	return nodes.Fail(err.Error())
}

func nodeError(node schema.WorkflowNode, msg string) error {
	return fmt.Errorf("node %s: %s", node.ID, msg)
}

// joinErrors combines branch errors with "; ". Nil when all succeeded.
func joinErrors(errs []error) error {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}

// loadError flattens workflow-level validation errors into one run error.
func loadError(issues []schema.ValidationIssue) error {
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return errors.New("invalid workflow: " + strings.Join(msgs, "; "))
}

// invalidNodeError is the failure of a node whose configuration did not
// pass load-time validation.
func invalidNodeError(issues []schema.ValidationIssue) error {
	msgs := make([]string, len(issues))
	for i, issue := range issues {
		msgs[i] = issue.Message
	}
	return schema.NewErrorf(issues[0].Code, "invalid configuration: %s", strings.Join(msgs, "; "))
}

// messageOf returns an EngineError's bare message, or err.Error().
func messageOf(err error) string {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
