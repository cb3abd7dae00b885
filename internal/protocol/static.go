package protocol

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/deflow/pkg/schema"
)

// StaticProvider serves fixed, deterministic data. It backs local runs and
// tests; entries can be replaced at any time with the Set* methods.
type StaticProvider struct {
	mu        sync.RWMutex
	now       func() time.Time
	prices    map[string]PriceQuote
	yields    []YieldOpportunity
	arbitrage []ArbitrageOpportunity
	gas       map[string]GasQuote
	proposals map[string][]Proposal
}

// NewStaticProvider returns a provider seeded with a small default data set.
func NewStaticProvider() *StaticProvider {
	p := &StaticProvider{
		now:       time.Now,
		prices:    make(map[string]PriceQuote),
		gas:       make(map[string]GasQuote),
		proposals: make(map[string][]Proposal),
	}
	for _, q := range []PriceQuote{
		{Symbol: "BTC", PriceUSD: 65000, Change24h: 1.8},
		{Symbol: "ETH", PriceUSD: 3200, Change24h: -2.4},
		{Symbol: "SOL", PriceUSD: 150, Change24h: 4.1},
		{Symbol: "USDC", PriceUSD: 1, Change24h: 0},
	} {
		p.prices[q.Symbol] = q
	}
	p.yields = []YieldOpportunity{
		{Protocol: "aave", Chain: "ethereum", Token: "USDC", APY: 4.2, TVLUSD: 1.2e9, RiskScore: 2},
		{Protocol: "compound", Chain: "ethereum", Token: "USDC", APY: 3.9, TVLUSD: 8.0e8, RiskScore: 2},
		{Protocol: "curve", Chain: "ethereum", Token: "USDC", APY: 6.5, TVLUSD: 4.0e8, RiskScore: 4},
		{Protocol: "aave", Chain: "arbitrum", Token: "USDC", APY: 5.1, TVLUSD: 3.0e8, RiskScore: 3},
		{Protocol: "lido", Chain: "ethereum", Token: "ETH", APY: 3.4, TVLUSD: 2.0e10, RiskScore: 2},
	}
	p.arbitrage = []ArbitrageOpportunity{
		{Asset: "ETH", BuyChain: "arbitrum", SellChain: "ethereum", BuyPrice: 3195, SellPrice: 3212, ProfitPercent: 0.53, LiquidityUSD: 250000},
		{Asset: "ETH", BuyChain: "polygon", SellChain: "ethereum", BuyPrice: 3190, SellPrice: 3212, ProfitPercent: 0.69, LiquidityUSD: 90000},
		{Asset: "BTC", BuyChain: "ethereum", SellChain: "arbitrum", BuyPrice: 64950, SellPrice: 65020, ProfitPercent: 0.11, LiquidityUSD: 500000},
	}
	for _, g := range []GasQuote{
		{Chain: "ethereum", Slow: 12, Standard: 18, Fast: 30},
		{Chain: "arbitrum", Slow: 0.05, Standard: 0.1, Fast: 0.2},
		{Chain: "polygon", Slow: 30, Standard: 45, Fast: 80},
	} {
		p.gas[g.Chain] = g
	}
	p.proposals["uniswap"] = []Proposal{
		{ID: "uni-42", DAO: "uniswap", Title: "Enable fee switch", Status: ProposalActive, ForVotes: 41e6, AgainstVotes: 12e6},
		{ID: "uni-41", DAO: "uniswap", Title: "Deploy on new chain", Status: ProposalClosed, ForVotes: 55e6, AgainstVotes: 3e6},
	}
	return p
}

// SetPrice replaces the quote for q.Symbol.
func (p *StaticProvider) SetPrice(q PriceQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(q.Symbol)] = q
}

// SetYields replaces the whole yield table.
func (p *StaticProvider) SetYields(ys []YieldOpportunity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.yields = slices.Clone(ys)
}

// SetArbitrage replaces the whole arbitrage table.
func (p *StaticProvider) SetArbitrage(ops []ArbitrageOpportunity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arbitrage = slices.Clone(ops)
}

// SetGas replaces the quote for g.Chain.
func (p *StaticProvider) SetGas(g GasQuote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gas[strings.ToLower(g.Chain)] = g
}

// SetProposals replaces the proposals of dao.
func (p *StaticProvider) SetProposals(dao string, ps []Proposal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposals[strings.ToLower(dao)] = slices.Clone(ps)
}

func (p *StaticProvider) Price(ctx context.Context, symbol string) (*PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no price for %q", symbol)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = p.now()
	}
	if q.Source == "" {
		q.Source = "static"
	}
	return &q, nil
}

func (p *StaticProvider) Yields(ctx context.Context, token, chain string) ([]YieldOpportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []YieldOpportunity
	for _, y := range p.yields {
		if token != "" && !strings.EqualFold(y.Token, token) {
			continue
		}
		if chain != "" && !strings.EqualFold(y.Chain, chain) {
			continue
		}
		out = append(out, y)
	}
	return out, nil
}

func (p *StaticProvider) ArbitrageOpportunities(ctx context.Context, asset string, chains []string) ([]ArbitrageOpportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ArbitrageOpportunity
	for _, a := range p.arbitrage {
		if asset != "" && !strings.EqualFold(a.Asset, asset) {
			continue
		}
		if len(chains) > 0 && (!containsFold(chains, a.BuyChain) || !containsFold(chains, a.SellChain)) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *StaticProvider) GasPrices(ctx context.Context, chain string) (*GasQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.gas[strings.ToLower(chain)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no gas data for chain %q", chain)
	}
	if g.Timestamp.IsZero() {
		g.Timestamp = p.now()
	}
	return &g, nil
}

func (p *StaticProvider) Proposals(ctx context.Context, dao string) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ps, ok := p.proposals[strings.ToLower(dao)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown dao %q", dao)
	}
	return slices.Clone(ps), nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
