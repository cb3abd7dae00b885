package protocol

import (
	"context"
	"time"
)

// DataService is the market and protocol data source consumed by the domain
// executors. Implementations must be safe for concurrent use.
type DataService interface {
	Price(ctx context.Context, symbol string) (*PriceQuote, error)
	Yields(ctx context.Context, token, chain string) ([]YieldOpportunity, error)
	ArbitrageOpportunities(ctx context.Context, asset string, chains []string) ([]ArbitrageOpportunity, error)
	GasPrices(ctx context.Context, chain string) (*GasQuote, error)
	Proposals(ctx context.Context, dao string) ([]Proposal, error)
}

// PriceQuote is a spot price for one asset.
type PriceQuote struct {
	Symbol    string    `json:"symbol"`
	PriceUSD  float64   `json:"price_usd"`
	Change24h float64   `json:"change_24h"` // percent
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// YieldOpportunity is one lending or liquidity position on offer.
type YieldOpportunity struct {
	Protocol  string  `json:"protocol"`
	Chain     string  `json:"chain"`
	Token     string  `json:"token"`
	APY       float64 `json:"apy"`
	TVLUSD    float64 `json:"tvl_usd"`
	RiskScore int     `json:"risk_score"` // 1 (lowest) .. 10
}

// ArbitrageOpportunity is a cross-chain price gap for one asset.
type ArbitrageOpportunity struct {
	Asset         string  `json:"asset"`
	BuyChain      string  `json:"buy_chain"`
	SellChain     string  `json:"sell_chain"`
	BuyPrice      float64 `json:"buy_price"`
	SellPrice     float64 `json:"sell_price"`
	ProfitPercent float64 `json:"profit_percent"`
	LiquidityUSD  float64 `json:"liquidity_usd"`
}

// GasQuote holds gas prices in gwei for one chain.
type GasQuote struct {
	Chain     string    `json:"chain"`
	Slow      float64   `json:"slow"`
	Standard  float64   `json:"standard"`
	Fast      float64   `json:"fast"`
	Timestamp time.Time `json:"timestamp"`
}

// ForPriority returns the gas price for a priority label. Unknown labels
// resolve to standard.
func (g GasQuote) ForPriority(priority string) float64 {
	switch priority {
	case "slow":
		return g.Slow
	case "fast":
		return g.Fast
	default:
		return g.Standard
	}
}

// ProposalStatus is the lifecycle state of a governance proposal.
type ProposalStatus string

const (
	ProposalActive ProposalStatus = "active"
	ProposalClosed ProposalStatus = "closed"
)

// Proposal is a DAO governance proposal.
type Proposal struct {
	ID           string         `json:"id"`
	DAO          string         `json:"dao"`
	Title        string         `json:"title"`
	Status       ProposalStatus `json:"status"`
	ForVotes     float64        `json:"for_votes"`
	AgainstVotes float64        `json:"against_votes"`
	EndsAt       time.Time      `json:"ends_at"`
}
