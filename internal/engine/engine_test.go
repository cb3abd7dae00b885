package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/deflow/internal/billing"
	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/nodes"
	"github.com/rendis/deflow/internal/store"
	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/pkg/schema"
)

func TestExecuteWorkflow_NoTriggers(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	wf := workflow([]schema.WorkflowNode{wfNode("a", "echo", nil), wfNode("b", "echo", nil)}, edge("a", "b"))
	exec := e.ExecuteWorkflow(ctx, wf, nil, "user-1")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "no trigger nodes")
	assert.Empty(t, exec.NodeExecutions)
	require.NotNil(t, exec.CompletedAt)

	logs, err := e.GetExecutionLogs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Workflow execution started", logs[0].Message)
}

func TestExecuteWorkflow_EmptyWorkflowHasNoTriggers(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	exec := e.ExecuteWorkflow(context.Background(), workflow(nil), nil, "")
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "no trigger nodes found in workflow", exec.ErrorMessage)
}

func TestExecuteWorkflow_NilWorkflow(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	exec := e.ExecuteWorkflow(context.Background(), nil, nil, "")
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "workflow is nil", exec.ErrorMessage)
}

func TestExecuteWorkflow_LinearChainReplacesData(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec)})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("a", "emit", map[string]any{"out": map[string]any{"from": "a", "n": 1}}),
		wfNode("b", "emit", map[string]any{"out": map[string]any{"from": "b"}}),
		wfNode("c", "echo", nil),
	}, edge("t", "a"), edge("a", "b"), edge("b", "c"))

	exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`{"price":42}`), "user-1")

	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status, exec.ErrorMessage)
	assert.Empty(t, exec.ErrorMessage)
	require.Len(t, exec.NodeExecutions, 4)
	for i, id := range []string{"t", "a", "b", "c"} {
		assert.Equal(t, id, exec.NodeExecutions[i].NodeID)
		assert.Equal(t, schema.ExecutionStatusCompleted, exec.NodeExecutions[i].Status)
	}

	assert.Equal(t, []string{`{"price":42}`}, rec.seen("t"))
	require.Len(t, rec.seen("c"), 1)
	assert.JSONEq(t, `{"from":"b"}`, rec.seen("c")[0])
	assert.JSONEq(t, `{"from":"a","n":1}`, string(exec.NodeExecutions[2].InputData))
}

func TestExecuteWorkflow_EmptyTriggerBecomesObject(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec)})

	exec := e.ExecuteWorkflow(context.Background(), workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil)}), nil, "")
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{`{}`}, rec.seen("t"))
	assert.JSONEq(t, `{}`, string(exec.TriggerData))
}

func TestExecuteWorkflow_BranchIsolation(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t1", "trigger", nil),
		wfNode("t2", "bad_trigger", nil),
	})
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "trigger rejected")
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "t1"))
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusFailed}, nodeStatuses(exec, "t2"))
}

func TestExecuteWorkflow_ErrorsJoinedAcrossBranches(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t1", "trigger", nil),
		wfNode("t2", "trigger", nil),
		wfNode("f1", "fail", nil),
		wfNode("f2", "fail", nil),
	}, edge("t1", "f1"), edge("t2", "f2"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "boom from f1")
	assert.Contains(t, exec.ErrorMessage, "boom from f2")
	assert.Contains(t, exec.ErrorMessage, "; ")
}

func TestExecuteWorkflow_FailureStopsTraversal(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec)})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("f", "fail", nil),
		wfNode("after", "echo", nil),
		wfNode("sibling", "echo", nil),
	}, edge("t", "f"), edge("f", "after"), edge("t", "sibling"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Empty(t, exec.FindNodeExecutions("after"))
	assert.Empty(t, rec.seen("after"))
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "sibling"))
}

func TestExecuteWorkflow_DuplicateEdgesRunTwice(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec)})

	wf := workflow([]schema.WorkflowNode{
		wfNode("a", "trigger", nil),
		wfNode("b", "echo", nil),
	}, edge("a", "b"), edge("a", "b"))
	exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`{"x":1}`), "")

	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	runs := exec.FindNodeExecutions("b")
	require.Len(t, runs, 2)
	assert.NotEqual(t, runs[0].ID, runs[1].ID)
	assert.Len(t, rec.seen("b"), 2)
}

func TestExecuteWorkflow_UnknownNodeTypeFailsOnlyItsNode(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("ghost", "does_not_exist", nil),
		wfNode("ok", "echo", nil),
	}, edge("t", "ghost"), edge("t", "ok"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	ghost := exec.FindNodeExecutions("ghost")
	require.Len(t, ghost, 1)
	assert.Equal(t, schema.ExecutionStatusFailed, ghost[0].Status)
	assert.Contains(t, ghost[0].ErrorMessage, schema.ErrCodeExecutorNotFound)
	assert.Contains(t, ghost[0].ErrorMessage, "no executor found for node type: does_not_exist")
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "ok"))
}

func TestExecuteWorkflow_PanicIsContained(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("p", "panic", nil),
		wfNode("ok", "echo", nil),
	}, edge("t", "p"), edge("t", "ok"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	p := exec.FindNodeExecutions("p")
	require.Len(t, p, 1)
	assert.Contains(t, p[0].ErrorMessage, "kaboom")
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "ok"))
	assert.Equal(t, int64(1), e.PoolMetrics().Panics)
}

func TestExecuteWorkflow_ExecutorErrorIsContained(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("x", "error", nil)}, edge("t", "x"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "upstream exploded")

	logs, err := e.GetExecutionLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	var errorLines int
	for _, l := range logs {
		if l.Level == schema.LogLevelError && l.NodeID == "x" {
			errorLines++
			assert.Contains(t, l.Message, "upstream exploded")
		}
	}
	assert.Equal(t, 1, errorLines)
}

func TestExecuteWorkflow_NodeTimeout(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("s", "slow", map[string]any{"node_timeout": "30ms"}),
	}, edge("t", "s"))

	begin := time.Now()
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	s := exec.FindNodeExecutions("s")
	require.Len(t, s, 1)
	assert.Contains(t, s[0].ErrorMessage, schema.ErrCodeTimeout)
}

func TestExecuteWorkflow_ConfigNodeTimeout(t *testing.T) {
	e := newTestEngine(t, Config{NodeTimeout: 20 * time.Millisecond}, Deps{})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("s", "slow", nil)}, edge("t", "s"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")
	assert.Contains(t, exec.ErrorMessage, "timed out")
}

func TestExecuteWorkflow_Cancelled(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("a", "echo", nil)}, edge("t", "a"))
	exec := e.ExecuteWorkflow(ctx, wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, schema.ErrCodeCancelled)
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusFailed}, nodeStatuses(exec, "t"))

	// Logs are still written for a cancelled run.
	logs, err := e.GetExecutionLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestExecuteWorkflow_CancelDuringRun(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("s", "slow", nil)}, edge("t", "s"))
	exec := e.ExecuteWorkflow(ctx, wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "execution cancelled")
}

func TestExecuteWorkflow_MaxDepthBoundsCycles(t *testing.T) {
	e := newTestEngine(t, Config{MaxDepth: 5}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("loop", "echo", nil),
	}, edge("t", "loop"), edge("loop", "loop"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, schema.ErrCodeMaxDepth)
	statuses := nodeStatuses(exec, "loop")
	require.Len(t, statuses, 5)
	assert.Equal(t, schema.ExecutionStatusFailed, statuses[4])
}

func TestExecuteWorkflow_StructuralErrorsFailTheRun(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil)}, edge("t", "missing"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "")

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "invalid workflow")
	assert.Contains(t, exec.ErrorMessage, "unknown node: missing")
	assert.Empty(t, exec.NodeExecutions)
}

func TestExecuteWorkflow_InvalidNodeConfigFailsOnlyThatNode(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec)})

	tests := []struct {
		name string
		bad  schema.WorkflowNode
		want string
	}{
		{name: "executor params", bad: wfNode("bad", "strict", nil), want: "required is missing"},
		{name: "node timeout", bad: wfNode("bad", "echo", map[string]any{"node_timeout": "soon"}), want: "invalid node_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := workflow([]schema.WorkflowNode{
				wfNode("t", "trigger", nil),
				tt.bad,
				wfNode("ok", "echo", nil),
				wfNode("after", "echo", nil),
			}, edge("t", "bad"), edge("t", "ok"), edge("bad", "after"))

			exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`{"x":1}`), "")

			assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
			assert.NotContains(t, exec.ErrorMessage, "invalid workflow")
			assert.Contains(t, exec.ErrorMessage, "node bad")
			assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "t"))
			assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, nodeStatuses(exec, "ok"))
			assert.Empty(t, nodeStatuses(exec, "after"))

			bad := exec.FindNodeExecutions("bad")
			require.Len(t, bad, 1)
			assert.Equal(t, schema.ExecutionStatusFailed, bad[0].Status)
			assert.Contains(t, bad[0].ErrorMessage, "invalid configuration")
			assert.Contains(t, bad[0].ErrorMessage, tt.want)
			assert.Empty(t, rec.seen("bad"), "executor must not run")
		})
	}
}

func TestExecuteWorkflow_ArchivedLogsMatchMemory(t *testing.T) {
	archive, err := store.NewLibSQLArchive("file:" + filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	require.NoError(t, archive.Migrate(context.Background()))

	mem, err := store.NewMemoryStore(store.MemoryConfig{MaxRetained: 1, Archive: archive})
	require.NoError(t, err)
	e := newTestEngine(t, Config{}, Deps{Store: mem})

	ctx := context.Background()
	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("a", "echo", nil)}, edge("t", "a"))

	first := e.ExecuteWorkflow(ctx, wf, nil, "")
	require.Equal(t, schema.ExecutionStatusCompleted, first.Status)
	inMemory, err := e.GetExecutionLogs(ctx, first.ID)
	require.NoError(t, err)
	require.NotEmpty(t, inMemory)
	assert.Contains(t, inMemory[len(inMemory)-1].Message, "Workflow execution completed in")

	// The second run evicts the first from memory.
	e.ExecuteWorkflow(ctx, wf, nil, "")
	require.Equal(t, 1, mem.Len())

	archived, err := e.GetExecutionLogs(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, archived, len(inMemory))
	for i := range inMemory {
		assert.Equal(t, inMemory[i].Message, archived[i].Message)
		assert.Equal(t, inMemory[i].Level, archived[i].Level)
		assert.Equal(t, inMemory[i].NodeID, archived[i].NodeID)
	}
}

func TestValidateWorkflow(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", map[string]any{"node_timeout": 2}),
		wfNode("s", "strict", map[string]any{"required": true}),
		wfNode("u", "unknown_type", nil),
	}, edge("t", "s"), edge("s", "u"), edge("u", "s"))

	res := e.ValidateWorkflow(wf)
	assert.True(t, res.Valid())
	var codes []string
	for _, w := range res.Warnings {
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, schema.ErrCodeExecutorNotFound)
	assert.Contains(t, codes, schema.ErrCodeCycleDetected)
}

func TestExecuteWorkflow_FeeMergedIntoOutput(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("p", "priced", nil),
	}, edge("t", "p"))
	exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`{"amount":5}`), "user-1")

	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	p := exec.FindNodeExecutions("p")
	require.Len(t, p, 1)

	want := billing.Fee(catalog.Definition{Pricing: catalog.TieredPricing(10)}, true, schema.TierStandard)
	out := outputOf(t, p[0])
	assert.InDelta(t, want, out["executionFee"], 1e-12)
	assert.Equal(t, "standard", out["tier"])
	assert.EqualValues(t, 5, out["amount"])
	assert.InDelta(t, want, p[0].Fee, 1e-12)

	// The unpriced trigger output carries no fee.
	assert.NotContains(t, outputOf(t, exec.FindNodeExecutions("t")[0]), "executionFee")

	logs, err := e.GetExecutionLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.NodeID == "p" && l.Level == schema.LogLevelInfo && len(l.Data) > 0 {
			found = true
			assert.Contains(t, l.Message, "tier: standard")
			assert.Contains(t, string(l.Data), "executionFee")
		}
	}
	assert.True(t, found)
}

func TestExecuteWorkflow_FeeUsesSubscriptionTier(t *testing.T) {
	subs := billing.NewStaticSubscriptions(schema.TierStandard)
	require.NoError(t, subs.Set("pro-user", schema.TierPro))
	e := newTestEngine(t, Config{}, Deps{Subscriptions: subs})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("p", "priced", nil)}, edge("t", "p"))
	exec := e.ExecuteWorkflow(context.Background(), wf, nil, "pro-user")

	out := outputOf(t, exec.FindNodeExecutions("p")[0])
	assert.Equal(t, "pro", out["tier"])
	assert.InDelta(t, 10*schema.TierPro.TransactionFeeRate(), out["executionFee"], 1e-12)
}

func TestExecuteWorkflow_FeeSkipsNonObjectOutput(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("p", "priced", nil)}, edge("t", "p"))
	exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`[1,2,3]`), "")

	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.JSONEq(t, `[1,2,3]`, string(exec.FindNodeExecutions("p")[0].OutputData))
}

func TestExecuteWorkflow_TierGating(t *testing.T) {
	subs := billing.NewStaticSubscriptions(schema.TierStandard)
	require.NoError(t, subs.Set("pro-user", schema.TierPro))
	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("x", "pro_only", nil)}, edge("t", "x"))

	t.Run("enforced", func(t *testing.T) {
		e := newTestEngine(t, Config{EnforceTiers: true}, Deps{Subscriptions: subs})

		exec := e.ExecuteWorkflow(context.Background(), wf, nil, "standard-user")
		assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
		assert.Contains(t, exec.ErrorMessage, schema.ErrCodeTierRestricted)

		exec = e.ExecuteWorkflow(context.Background(), wf, nil, "pro-user")
		assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	})

	t.Run("not enforced", func(t *testing.T) {
		e := newTestEngine(t, Config{}, Deps{Subscriptions: subs})

		exec := e.ExecuteWorkflow(context.Background(), wf, nil, "standard-user")
		assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	})
}

func TestExecuteWorkflow_JoinModes(t *testing.T) {
	build := func() *schema.Workflow {
		return workflow([]schema.WorkflowNode{
			wfNode("t", "trigger", nil),
			wfNode("a", "emit", map[string]any{"out": map[string]any{"a": 1, "shared": "a"}}),
			wfNode("b", "emit", map[string]any{"out": map[string]any{"b": 2, "shared": "b"}}),
			wfNode("join", "echo", nil),
		}, edge("t", "a"), edge("t", "b"), edge("a", "join"), edge("b", "join"))
	}

	t.Run("none runs once per edge", func(t *testing.T) {
		e := newTestEngine(t, Config{}, Deps{})
		exec := e.ExecuteWorkflow(context.Background(), build(), nil, "")
		require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
		assert.Len(t, exec.FindNodeExecutions("join"), 2)
	})

	t.Run("all merges inputs", func(t *testing.T) {
		rec := newRecorder()
		e := newTestEngine(t, Config{JoinMode: JoinAll}, Deps{Registry: testRegistry(t, rec)})
		exec := e.ExecuteWorkflow(context.Background(), build(), nil, "")
		require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

		runs := exec.FindNodeExecutions("join")
		require.Len(t, runs, 1)
		in := outputOf(t, runs[0])
		assert.EqualValues(t, 1, in["a"])
		assert.EqualValues(t, 2, in["b"])
		assert.Contains(t, []any{"a", "b"}, in["shared"])
	})
}

func TestNew_RejectsUnknownJoinMode(t *testing.T) {
	_, err := New(Config{JoinMode: "sometimes"}, Deps{Catalog: testCatalog(t), Registry: nodes.NewRegistry()})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExecuteWorkflow_DurationConsistent(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("f", "fail", nil)}, edge("t", "f"))
	for _, trigger := range []string{`{}`, `{"x":1}`} {
		exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(trigger), "")
		require.NotNil(t, exec.CompletedAt)
		assert.False(t, exec.CompletedAt.Before(exec.StartedAt))
		assert.Equal(t, exec.CompletedAt.Sub(exec.StartedAt).Milliseconds(), exec.Duration)
		for _, ne := range exec.NodeExecutions {
			require.NotNil(t, ne.CompletedAt)
			assert.GreaterOrEqual(t, ne.Duration, int64(0))
		}
	}
}

func TestExecuteWorkflow_StoredAndQueryable(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("a", "echo", nil)}, edge("t", "a"))
	first := e.ExecuteWorkflow(ctx, wf, nil, "u")
	second := e.ExecuteWorkflow(ctx, wf, nil, "u")
	other := e.ExecuteWorkflow(ctx, &schema.Workflow{ID: "other", Nodes: []schema.WorkflowNode{wfNode("t", "trigger", nil)}}, nil, "u")

	got, err := e.GetExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, got.Status)
	assert.Len(t, got.NodeExecutions, 2)

	all, err := e.GetAllExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	list, err := e.ListExecutions(ctx, "wf-test")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{list[0].ID, list[1].ID})
	assert.NotEqual(t, other.ID, list[0].ID)

	logs, err := e.GetExecutionLogs(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Workflow execution started", logs[0].Message)
	assert.Contains(t, logs[len(logs)-1].Message, "Workflow execution completed")

	require.NoError(t, e.ClearExecutionHistory(ctx))
	_, err = e.GetExecution(ctx, first.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestExecuteWorkflow_PublishesLogs(t *testing.T) {
	hub := streaming.NewMemoryHub()
	e := newTestEngine(t, Config{}, Deps{Hub: hub})

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.Filter{WorkflowID: "wf-test"})
	require.NoError(t, err)
	defer cancel()

	exec := e.ExecuteWorkflow(context.Background(), workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil)}), nil, "")

	logs, err := e.GetExecutionLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, ch, len(logs))
	first := <-ch
	assert.Equal(t, exec.ID, first.ExecutionID)
	assert.Equal(t, "Workflow execution started", first.Log.Message)
}

func TestRetryFromNode(t *testing.T) {
	var calls atomic.Int32
	flaky := stub{typ: "flaky", run: func(_ context.Context, _ schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
		if calls.Add(1) == 1 {
			return nodes.Fail("temporarily broken"), nil
		}
		return nodes.Succeed(ectx.CurrentData)
	}}
	rec := newRecorder()
	e := newTestEngine(t, Config{}, Deps{Registry: testRegistry(t, rec, flaky)})
	ctx := context.Background()

	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("a", "emit", map[string]any{"out": map[string]any{"step": "a"}}),
		wfNode("f", "flaky", nil),
		wfNode("after", "echo", nil),
	}, edge("t", "a"), edge("a", "f"), edge("f", "after"))

	first := e.ExecuteWorkflow(ctx, wf, json.RawMessage(`{"go":true}`), "user-7")
	require.Equal(t, schema.ExecutionStatusFailed, first.Status)

	retry, err := e.RetryFromNode(ctx, wf, first.ID, "f")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, retry.Status, retry.ErrorMessage)
	assert.Equal(t, first.ID, retry.Metadata["retry_of"])
	assert.Equal(t, "user-7", retry.UserID)

	require.Len(t, retry.NodeExecutions, 2)
	assert.Equal(t, "f", retry.NodeExecutions[0].NodeID)
	assert.JSONEq(t, `{"step":"a"}`, string(retry.NodeExecutions[0].InputData))
	assert.Equal(t, "after", retry.NodeExecutions[1].NodeID)
	assert.Len(t, rec.seen("t"), 1)

	// The original execution is untouched.
	orig, err := e.GetExecution(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, orig.Status)
}

func TestRetryFromNode_Errors(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{})
	ctx := context.Background()

	wf := workflow([]schema.WorkflowNode{wfNode("t", "trigger", nil), wfNode("a", "echo", nil)}, edge("t", "a"))
	done := e.ExecuteWorkflow(ctx, wf, nil, "")
	require.Equal(t, schema.ExecutionStatusCompleted, done.Status)

	_, err := e.RetryFromNode(ctx, wf, "missing", "a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	_, err = e.RetryFromNode(ctx, wf, done.ID, "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	_, err = e.RetryFromNode(ctx, wf, done.ID, "a")
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = e.RetryFromNode(ctx, &schema.Workflow{ID: "different"}, done.ID, "a")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExecuteWorkflow_BuiltinExecutors(t *testing.T) {
	e, err := New(Config{}, Deps{})
	require.NoError(t, err)
	defer e.Close()

	wf := &schema.Workflow{
		ID: "builtin",
		Nodes: []schema.WorkflowNode{
			wfNode("start", "manual_trigger", nil),
			wfNode("upper", "transform", map[string]any{"transform_type": "uppercase"}),
			wfNode("check", "condition", map[string]any{"expression": `data.symbol == "ETH"`}),
		},
		Connections: []schema.WorkflowConnection{edge("start", "upper"), edge("upper", "check")},
	}
	exec := e.ExecuteWorkflow(context.Background(), wf, json.RawMessage(`{"symbol":"eth"}`), "")

	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status, exec.ErrorMessage)
	check := exec.FindNodeExecutions("check")
	require.Len(t, check, 1)
	assert.Equal(t, true, outputOf(t, check[0])["result"])
}

func TestExecuteWorkflow_ConcurrentRuns(t *testing.T) {
	e := newTestEngine(t, Config{PoolSize: 2}, Deps{})
	wf := workflow([]schema.WorkflowNode{
		wfNode("t", "trigger", nil),
		wfNode("a", "echo", nil),
		wfNode("b", "echo", nil),
	}, edge("t", "a"), edge("t", "b"), edge("a", "b"))

	results := make(chan *schema.WorkflowExecution, 10)
	for i := 0; i < 10; i++ {
		go func() { results <- e.ExecuteWorkflow(context.Background(), wf, nil, "") }()
	}
	for i := 0; i < 10; i++ {
		exec := <-results
		assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
		assert.Len(t, exec.NodeExecutions, 4)
	}
	assert.Equal(t, int64(0), e.PoolMetrics().Active)
}
