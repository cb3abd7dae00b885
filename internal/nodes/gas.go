package nodes

import (
	"context"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

type gasParams struct {
	domainParams
	Chain    string  `json:"chain"`
	Priority string  `json:"priority"`
	MaxGwei  float64 `json:"max_gwei"`
}

// priorityOrder lists priorities from most to least expensive.
var priorityOrder = []string{"fast", "standard", "slow"}

// GasOptimizer recommends a gas price for a chain. When the requested
// priority is above max_gwei it steps down to a cheaper priority that fits,
// and recommends waiting when none does.
type GasOptimizer struct{ domain }

func NewGasOptimizer(d *Deps) *GasOptimizer {
	return &GasOptimizer{domain: newDomain("gas_optimizer", d)}
}

func (e *GasOptimizer) Validate(params map[string]any) error {
	_, err := decodeParams[gasParams](e.base, params)
	return err
}

func (e *GasOptimizer) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[gasParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if p.Priority == "" {
		p.Priority = "standard"
	}

	quote, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) (*protocol.GasQuote, error) {
		return e.data.GasPrices(ctx, p.Chain)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"chain":          p.Chain,
			"recommendation": "wait",
		})
	}

	out := map[string]any{
		"chain":              p.Chain,
		"requested_priority": p.Priority,
		"recommendation":     "wait",
	}
	start := 0
	for i, pr := range priorityOrder {
		if pr == p.Priority {
			start = i
		}
	}
	for _, pr := range priorityOrder[start:] {
		gwei := quote.ForPriority(pr)
		if p.MaxGwei > 0 && gwei > p.MaxGwei {
			continue
		}
		out["recommendation"] = "submit"
		out["priority"] = pr
		out["gas_price_gwei"] = gwei
		out["downgraded"] = pr != p.Priority
		break
	}
	return confident(out)
}
