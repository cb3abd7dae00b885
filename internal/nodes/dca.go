package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/pkg/schema"
)

type dcaParams struct {
	domainParams
	Symbol    string  `json:"symbol"`
	AmountUSD float64 `json:"amount_usd"`
	Frequency string  `json:"frequency"`
	MaxPrice  float64 `json:"max_price"`
}

// DCA buys a fixed USD amount of a token unless the price is above
// max_price, and reports when the next purchase is due.
type DCA struct {
	domain
	now func() time.Time
}

func NewDCA(d *Deps) *DCA {
	return &DCA{domain: newDomain("dca", d), now: time.Now}
}

func (e *DCA) Validate(params map[string]any) error {
	_, err := decodeParams[dcaParams](e.base, params)
	return err
}

func (e *DCA) Execute(ctx context.Context, node schema.WorkflowNode, _ *ExecutionContext) (*ExecutionResult, error) {
	p, err := decodeParams[dcaParams](e.base, node.Configuration.Parameters)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if p.Frequency == "" {
		p.Frequency = "weekly"
	}
	next := nextPurchase(e.now(), p.Frequency).UTC().Format(time.RFC3339)

	quote, err := fetch(ctx, p.policy(e.retry), func(ctx context.Context) (*protocol.PriceQuote, error) {
		return e.data.Price(ctx, p.Symbol)
	})
	if err != nil {
		return e.unavailable(ctx, p.domainParams, err, map[string]any{
			"symbol":      p.Symbol,
			"amount_usd":  p.AmountUSD,
			"action":      "skip",
			"next_run_at": next,
		})
	}

	out := map[string]any{
		"symbol":      quote.Symbol,
		"amount_usd":  p.AmountUSD,
		"price":       quote.PriceUSD,
		"frequency":   p.Frequency,
		"next_run_at": next,
	}
	switch {
	case quote.PriceUSD <= 0:
		out["action"] = "skip"
		out["reason"] = "price unavailable"
	case p.MaxPrice > 0 && quote.PriceUSD > p.MaxPrice:
		out["action"] = "skip"
		out["reason"] = fmt.Sprintf("price %.2f above max %.2f", quote.PriceUSD, p.MaxPrice)
	default:
		out["action"] = "buy"
		out["units"] = p.AmountUSD / quote.PriceUSD
	}
	return confident(out)
}

func nextPurchase(from time.Time, frequency string) time.Time {
	switch frequency {
	case "daily":
		return from.AddDate(0, 0, 1)
	case "monthly":
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 7)
	}
}
