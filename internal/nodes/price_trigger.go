package nodes

import (
	"context"

	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

type priceTriggerParams struct {
	domainParams
	Symbol    string  `json:"symbol"`
	Condition string  `json:"condition"`
	Threshold float64 `json:"threshold"`
	Rule      string  `json:"rule"`
}

// PriceTrigger reports whether a token price crossed a threshold.
//
// Conditions: above, below (spot price) and change_above, change_below
// (24h change in percent). An optional expr rule replaces the comparison;
// it sees price, change_24h, threshold and symbol next to the usual scope.
type PriceTrigger struct {
	domain
	expr *expressions.ExprEngine
}

func NewPriceTrigger(d *Deps) *PriceTrigger {
	return &PriceTrigger{domain: newDomain("price_trigger", d), expr: d.Expr}
}

func (e *PriceTrigger) params(raw map[string]any) (priceTriggerParams, error) {
	p, err := decodeParams[priceTriggerParams](e.base, raw)
	if err != nil {
		return p, err
	}
	if p.Rule != "" {
		if err := e.expr.Compile(p.Rule); err != nil {
			return p, paramError(e.Type(), "%v", err)
		}
	}
	return p, nil
}

func (e *PriceTrigger) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *PriceTrigger) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	quote, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) (*protocol.PriceQuote, error) {
		return e.data.Price(ctx, p.Symbol)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"symbol":    p.Symbol,
			"condition": p.Condition,
			"threshold": p.Threshold,
			"triggered": false,
		})
	}

	var triggered bool
	if p.Rule != "" {
		env := ectx.Scope(node.ID).With(map[string]any{
			"price":      quote.PriceUSD,
			"change_24h": quote.Change24h,
			"threshold":  p.Threshold,
			"symbol":     quote.Symbol,
		})
		if triggered, err = expressions.EvaluateBool(ctx, e.expr, p.Rule, env); err != nil {
			return Fail(err.Error()), nil
		}
	} else {
		triggered = priceCrossed(p.Condition, quote, p.Threshold)
	}

	return confident(map[string]any{
		"symbol":     quote.Symbol,
		"price":      quote.PriceUSD,
		"change_24h": quote.Change24h,
		"condition":  p.Condition,
		"threshold":  p.Threshold,
		"triggered":  triggered,
		"source":     quote.Source,
	})
}

func priceCrossed(condition string, q *protocol.PriceQuote, threshold float64) bool {
	switch condition {
	case "above":
		return q.PriceUSD > threshold
	case "below":
		return q.PriceUSD < threshold
	case "change_above":
		return q.Change24h > threshold
	case "change_below":
		return q.Change24h < threshold
	default:
		return false
	}
}
