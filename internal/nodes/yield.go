package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

// maxRiskScore maps a risk label to the highest accepted risk score.
func maxRiskScore(label string) int {
	switch label {
	case "low":
		return 3
	case "medium":
		return 6
	default:
		return 10
	}
}

// bestYield returns the opportunity with the highest APY, preferring the
// deeper pool on ties.
func bestYield(ys []protocol.YieldOpportunity) (protocol.YieldOpportunity, bool) {
	if len(ys) == 0 {
		return protocol.YieldOpportunity{}, false
	}
	sorted := append([]protocol.YieldOpportunity(nil), ys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].APY != sorted[j].APY {
			return sorted[i].APY > sorted[j].APY
		}
		return sorted[i].TVLUSD > sorted[j].TVLUSD
	})
	return sorted[0], true
}

// --- YieldFarming ---

type yieldFarmingParams struct {
	domainParams
	Token     string   `json:"token"`
	Chain     string   `json:"chain"`
	Amount    float64  `json:"amount"`
	Protocols []string `json:"protocols"`
	MinAPY    float64  `json:"min_apy"`
	MaxRisk   string   `json:"max_risk"`
}

// YieldFarming picks the best yield opportunity for a token within the
// risk and APY limits and reports an allocation, or "hold" when nothing
// qualifies.
type YieldFarming struct{ domain }

func NewYieldFarming(d *Deps) *YieldFarming {
	return &YieldFarming{domain: newDomain("yield_farming", d)}
}

func (e *YieldFarming) Validate(params map[string]any) error {
	_, err := decodeParams[yieldFarmingParams](e.base, params)
	return err
}

func (e *YieldFarming) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[yieldFarmingParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if p.MaxRisk == "" {
		p.MaxRisk = "medium"
	}

	ys, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) ([]protocol.YieldOpportunity, error) {
		return e.data.Yields(ctx, p.Token, p.Chain)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"token":  p.Token,
			"amount": p.Amount,
			"action": "hold",
		})
	}

	limit := maxRiskScore(p.MaxRisk)
	var eligible []protocol.YieldOpportunity
	for _, y := range ys {
		if len(p.Protocols) > 0 && !containsFold(p.Protocols, y.Protocol) {
			continue
		}
		if y.APY < p.MinAPY || y.RiskScore > limit {
			continue
		}
		eligible = append(eligible, y)
	}

	out := map[string]any{
		"token":      p.Token,
		"amount":     p.Amount,
		"candidates": len(eligible),
		"action":     "hold",
	}
	best, ok := bestYield(eligible)
	if !ok {
		out["reason"] = fmt.Sprintf("no opportunity with apy >= %.2f and %s risk", p.MinAPY, p.MaxRisk)
		return confident(out)
	}
	out["action"] = "allocate"
	out["protocol"] = best.Protocol
	out["chain"] = best.Chain
	out["apy"] = best.APY
	out["risk_score"] = best.RiskScore
	out["expected_annual_yield"] = p.Amount * best.APY / 100
	return confident(out)
}

// --- YieldCondition ---

type yieldConditionParams struct {
	domainParams
	Token     string  `json:"token"`
	Chain     string  `json:"chain"`
	Protocol  string  `json:"protocol"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Rule      string  `json:"rule"`
}

// YieldCondition compares the best APY for a token (optionally on one
// protocol) with a threshold. An expr rule sees apy, protocol and
// threshold.
type YieldCondition struct {
	domain
	expr *expressions.ExprEngine
}

func NewYieldCondition(d *Deps) *YieldCondition {
	return &YieldCondition{domain: newDomain("yield_condition", d), expr: d.Expr}
}

func (e *YieldCondition) params(raw map[string]any) (yieldConditionParams, error) {
	p, err := decodeParams[yieldConditionParams](e.base, raw)
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

func (e *YieldCondition) Validate(params map[string]any) error {
	_, err := e.params(params)
	return err
}

func (e *YieldCondition) Execute(ctx context.Context, node schema.WorkflowNode, ectx *ExecutionContext) (*ExecutionResult, error) {
	p, err := e.params(node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	ys, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) ([]protocol.YieldOpportunity, error) {
		return e.data.Yields(ctx, p.Token, p.Chain)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"token":     p.Token,
			"operator":  p.Operator,
			"threshold": p.Threshold,
			"result":    false,
		})
	}

	if p.Protocol != "" {
		filtered := ys[:0:0]
		for _, y := range ys {
			if strings.EqualFold(y.Protocol, p.Protocol) {
				filtered = append(filtered, y)
			}
		}
		ys = filtered
	}
	best, ok := bestYield(ys)
	if !ok {
		return Fail(fmt.Sprintf("no yield data for %s", p.Token)), nil
	}

	var result bool
	if p.Rule != "" {
		env := ectx.Scope(node.ID).With(map[string]any{
			"apy":       best.APY,
			"protocol":  best.Protocol,
			"threshold": p.Threshold,
		})
		if result, err = expressions.EvaluateBool(ctx, e.expr, p.Rule, env); err != nil {
			return Fail(err.Error()), nil
		}
	} else {
		result = compare(best.APY, p.Operator, p.Threshold)
	}

	return confident(map[string]any{
		"token":     p.Token,
		"protocol":  best.Protocol,
		"chain":     best.Chain,
		"apy":       best.APY,
		"operator":  p.Operator,
		"threshold": p.Threshold,
		"result":    result,
	})
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return v > threshold
	case "gte":
		return v >= threshold
	case "lt":
		return v < threshold
	case "lte":
		return v <= threshold
	default:
		return false
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
