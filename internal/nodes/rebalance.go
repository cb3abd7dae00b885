package nodes

import (
	"context"
	"math"
	"sort"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

const defaultRebalanceThreshold = 5.0

type rebalanceParams struct {
	domainParams
	TargetAllocation map[string]float64 `json:"target_allocation"` // symbol -> percent
	Holdings         map[string]float64 `json:"holdings"`          // symbol -> units
	ThresholdPercent *float64           `json:"threshold_percent"`
}

type rebalanceTrade struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	AmountUSD      float64 `json:"amount_usd"`
	CurrentPercent float64 `json:"current_percent"`
	TargetPercent  float64 `json:"target_percent"`
}

// Rebalance values the holdings at current prices and lists the trades
// needed for every asset drifting more than threshold_percent from target.
type Rebalance struct{ domain }

func NewRebalance(d *Deps) *Rebalance {
	return &Rebalance{domain: newDomain("rebalance", d)}
}

func (e *Rebalance) params(raw map[string]any) (rebalanceParams, error) {
	p, err := decodeParams[rebalanceParams](e.base, raw)
	if err != nil {
		return p, err
	}
	var sum float64
	for _, pct := range p.TargetAllocation {
		sum += pct
	}
	if math.Abs(sum-100) > 0.01 {
		return p, paramError(e.Type(), "target_allocation must sum to 100, got %.2f", sum)
	}
	return p, nil
}

func (e *Rebalance) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *Rebalance) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	threshold := defaultRebalanceThreshold
	if p.ThresholdPercent != nil {
		threshold = *p.ThresholdPercent
	}

	symbols := make([]string, 0, len(p.TargetAllocation)+len(p.Holdings))
	seen := map[string]bool{}
	for s := range p.TargetAllocation {
		symbols = append(symbols, s)
		seen[s] = true
	}
	for s := range p.Holdings {
		if !seen[s] {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	policy := p.policy(e.retry)
	values := make(map[string]float64, len(symbols))
	var total float64
	for _, s := range symbols {
		units := p.Holdings[s]
		if units == 0 {
			continue
		}
		quote, err := fetch(ctx, policy, func(ctx context.Context) (*protocol.PriceQuote, error) {
			return e.data.Price(ctx, s)
		})
		if err != nil {
			return e.unavailable(ctx, p.domainParams, err, map[string]any{
				"needs_rebalance": false,
				"trades":          []rebalanceTrade{},
			})
		}
		values[s] = units * quote.PriceUSD
		total += values[s]
	}

	trades := []rebalanceTrade{}
	if total > 0 {
		for _, s := range symbols {
			current := values[s] / total * 100
			target := p.TargetAllocation[s]
			drift := current - target
			if math.Abs(drift) <= threshold {
				continue
			}
			side := "buy"
			if drift > 0 {
				side = "sell"
			}
			trades = append(trades, rebalanceTrade{
				Symbol:         s,
				Side:           side,
				AmountUSD:      math.Abs(drift) / 100 * total,
				CurrentPercent: current,
				TargetPercent:  target,
			})
		}
	}

	return confident(map[string]any{
		"total_value_usd":   total,
		"threshold_percent": threshold,
		"needs_rebalance":   len(trades) > 0,
		"trades":            trades,
	})
}
