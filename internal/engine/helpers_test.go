package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/nodes"
	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

type execFunc func(ctx context.Context, node schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error)

// stub is a test executor driven by closures.
type stub struct {
	typ      string
	run      execFunc
	validate func(params map[string]any) error
}

func (s stub) Type() string                 { return s.typ }
func (s stub) Describe() nodes.ExecutorInfo { return nodes.ExecutorInfo{Type: s.typ} }

func (s stub) Validate(params map[string]any) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(params)
}

func (s stub) Execute(ctx context.Context, node schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
	return s.run(ctx, node, ectx)
}

func passthrough(_ context.Context, _ schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
	return nodes.Succeed(ectx.CurrentData)
}

// recorder captures the input every node id observed.
type recorder struct {
	mu     sync.Mutex
	inputs map[string][]string
}

func newRecorder() *recorder { return &recorder{inputs: make(map[string][]string)} }

func (r *recorder) record(nodeID string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[nodeID] = append(r.inputs[nodeID], string(data))
}

func (r *recorder) seen(nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inputs[nodeID]...)
}

func testCatalog(t *testing.T) *catalog.Static {
	t.Helper()
	cat, err := catalog.New(
		catalog.Definition{Type: "trigger", Category: catalog.CategoryTrigger},
		catalog.Definition{Type: "bad_trigger", Category: catalog.CategoryTrigger},
		catalog.Definition{Type: "echo", Category: catalog.CategoryUtility},
		catalog.Definition{Type: "emit", Category: catalog.CategoryData},
		catalog.Definition{Type: "fail", Category: catalog.CategoryLogic},
		catalog.Definition{Type: "panic", Category: catalog.CategoryLogic},
		catalog.Definition{Type: "error", Category: catalog.CategoryLogic},
		catalog.Definition{Type: "slow", Category: catalog.CategoryUtility},
		catalog.Definition{Type: "priced", Category: catalog.CategoryDeFi, Pricing: catalog.TieredPricing(10)},
		catalog.Definition{Type: "pro_only", Category: catalog.CategoryDeFi, MinTier: schema.TierPro},
		catalog.Definition{Type: "strict", Category: catalog.CategoryLogic},
		catalog.Definition{Type: "flaky", Category: catalog.CategoryLogic},
	)
	require.NoError(t, err)
	return cat
}

// testRegistry registers every stub; rec sees the input of each node.
func testRegistry(t *testing.T, rec *recorder, extra ...nodes.NodeExecutor) *nodes.Registry {
	t.Helper()
	recorded := func(fn execFunc) execFunc {
		return func(ctx context.Context, node schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			rec.record(node.ID, ectx.CurrentData)
			return fn(ctx, node, ectx)
		}
	}

	reg := nodes.NewRegistry()
	all := []nodes.NodeExecutor{
		stub{typ: "trigger", run: recorded(passthrough)},
		stub{typ: "bad_trigger", run: recorded(func(context.Context, schema.WorkflowNode, *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			return nodes.Fail("trigger rejected"), nil
		})},
		stub{typ: "echo", run: recorded(passthrough)},
		stub{typ: "emit", run: recorded(func(_ context.Context, node schema.WorkflowNode, _ *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			out, _ := node.Param("out")
			return nodes.Succeed(out)
		})},
		stub{typ: "fail", run: recorded(func(_ context.Context, node schema.WorkflowNode, _ *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			return nodes.Fail("boom from " + node.ID), nil
		})},
		stub{typ: "panic", run: recorded(func(context.Context, schema.WorkflowNode, *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			panic("kaboom")
		})},
		stub{typ: "error", run: recorded(func(context.Context, schema.WorkflowNode, *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			return nil, errors.New("upstream exploded")
		})},
		stub{typ: "slow", run: recorded(func(ctx context.Context, _ schema.WorkflowNode, ectx *nodes.ExecutionContext) (*nodes.ExecutionResult, error) {
			select {
			case <-time.After(2 * time.Second):
				return nodes.Succeed(ectx.CurrentData)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})},
		stub{typ: "priced", run: recorded(passthrough)},
		stub{typ: "pro_only", run: recorded(passthrough)},
		stub{
			typ: "strict",
			run: recorded(passthrough),
			validate: func(params map[string]any) error {
				if _, ok := params["required"]; !ok {
					return schema.NewError(schema.ErrCodeValidation, "strict: required is missing")
				}
				return nil
			},
		},
	}
	all = append(all, extra...)
	for _, e := range all {
		require.NoError(t, reg.Register(e))
	}
	return reg
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Catalog == nil {
		deps.Catalog = testCatalog(t)
	}
	if deps.Registry == nil {
		deps.Registry = testRegistry(t, newRecorder())
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func wfNode(id, typ string, params map[string]any) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, NodeType: typ, Configuration: schema.NodeConfiguration{Parameters: params}}
}

func edge(from, to string) schema.WorkflowConnection {
	return schema.WorkflowConnection{SourceNodeID: from, TargetNodeID: to}
}

func workflow(ns []schema.WorkflowNode, conns ...schema.WorkflowConnection) *schema.Workflow {
	return &schema.Workflow{ID: "wf-test", Name: "test", Nodes: ns, Connections: conns}
}

func nodeStatuses(exec *schema.WorkflowExecution, nodeID string) []schema.ExecutionStatus {
	var out []schema.ExecutionStatus
	for _, ne := range exec.FindNodeExecutions(nodeID) {
		out = append(out, ne.Status)
	}
	return out
}

func outputOf(t *testing.T, ne *schema.NodeExecution) map[string]any {
	t.Helper()
	m, err := xjson.DecodeObject(ne.OutputData)
	require.NoError(t, err)
	return m
}
