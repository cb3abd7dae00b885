package nodes

import (
	"context"
	"math"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

type arbitrageParams struct {
	domainParams
	Asset            string   `json:"asset"`
	MinProfitPercent float64  `json:"min_profit_percent"`
	MaxAmount        float64  `json:"max_amount"`
	Chains           []string `json:"chains"`
}

// Arbitrage selects the most profitable cross-chain opportunity above the
// minimum profit and sizes the trade by max_amount and pool liquidity.
type Arbitrage struct{ domain }

func NewArbitrage(d *Deps) *Arbitrage {
	return &Arbitrage{domain: newDomain("arbitrage", d)}
}

func (e *Arbitrage) Validate(params map[string]any) error {
	_, err := decodeParams[arbitrageParams](e.base, params)
	return err
}

func (e *Arbitrage) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[arbitrageParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}

	ops, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) ([]protocol.ArbitrageOpportunity, error) {
		return e.data.ArbitrageOpportunities(ctx, p.Asset, p.Chains)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"asset":  p.Asset,
			"action": "none",
		})
	}

	var best *protocol.ArbitrageOpportunity
	for i := range ops {
		op := &ops[i]
		if op.ProfitPercent < p.MinProfitPercent {
			continue
		}
		if best == nil || op.ProfitPercent > best.ProfitPercent {
			best = op
		}
	}

	out := map[string]any{
		"asset":         p.Asset,
		"opportunities": len(ops),
		"action":        "none",
	}
	if best == nil {
		return confident(out)
	}

	amount := best.LiquidityUSD
	if p.MaxAmount > 0 {
		amount = math.Min(amount, p.MaxAmount)
	}
	out["action"] = "execute"
	out["buy_chain"] = best.BuyChain
	out["sell_chain"] = best.SellChain
	out["buy_price"] = best.BuyPrice
	out["sell_price"] = best.SellPrice
	out["profit_percent"] = best.ProfitPercent
	out["amount_usd"] = amount
	out["estimated_profit_usd"] = amount * best.ProfitPercent / 100
	return confident(out)
}
