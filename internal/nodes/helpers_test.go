package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
	"github.com/stretchr/testify/require"
)

func testDeps(t *testing.T, data protocol.DataService) *Deps {
	t.Helper()
	d, err := Deps{
		Data:     data,
		Retry:    protocol.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, Multiplier: 1},
		MaxDelay: time.Second,
	}.withDefaults()
	require.NoError(t, err)
	return d
}

func node(id, typ string, params map[string]any) schema.WorkflowNode {
	return schema.WorkflowNode{ID: id, NodeType: typ, Configuration: schema.NodeConfiguration{Parameters: params}}
}

func ectxWith(data string) *ExecutionContext {
	return &ExecutionContext{WorkflowID: "wf-1", ExecutionID: "ex-1", UserID: "u-1", CurrentData: json.RawMessage(data)}
}

func run(t *testing.T, e NodeExecutor, params map[string]any, input string) *ExecutionResult {
	t.Helper()
	res, err := e.Execute(context.Background(), node("n1", e.Type(), params), ectxWith(input))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func dataOf(t *testing.T, res *ExecutionResult) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &m))
	return m
}

// failingData fails every call with err.
type failingData struct{ err error }

func (f failingData) Price(context.Context, string) (*protocol.PriceQuote, error) { return nil, f.err }
func (f failingData) Yields(context.Context, string, string) ([]protocol.YieldOpportunity, error) {
	return nil, f.err
}
func (f failingData) ArbitrageOpportunities(context.Context, string, []string) ([]protocol.ArbitrageOpportunity, error) {
	return nil, f.err
}
func (f failingData) GasPrices(context.Context, string) (*protocol.GasQuote, error) { return nil, f.err }
func (f failingData) Proposals(context.Context, string) ([]protocol.Proposal, error) {
	return nil, f.err
}

var errUpstream = errors.New("upstream exploded")
