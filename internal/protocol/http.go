package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/deflow/internal/xjson"
	"github.com/rendis/deflow/pkg/schema"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxResponseBody = 2 * 1024 * 1024
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	APIKey          string
	Retry           RetryPolicy
	Breaker         BreakerConfig
}

// HTTPProvider reads protocol data from a REST backend. Each endpoint is
// guarded by its own circuit and every call is retried per the policy.
//
//	GET /prices/{symbol}
//	GET /yields?token=&chain=
//	GET /arbitrage?asset=&chains=a,b
//	GET /gas/{chain}
//	GET /daos/{dao}/proposals
type HTTPProvider struct {
	base     *url.URL
	cfg      HTTPConfig
	client   *http.Client
	breakers *Breakers
	logger   *slog.Logger
}

// NewHTTPProvider validates cfg and builds a provider.
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) (*HTTPProvider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "protocol: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		base:     base,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: NewBreakers(cfg.Breaker),
		logger:   logger,
	}, nil
}

// Breakers exposes the per-endpoint circuits, mainly for status reporting.
func (p *HTTPProvider) Breakers() *Breakers { return p.breakers }

func (p *HTTPProvider) Price(ctx context.Context, symbol string) (*PriceQuote, error) {
	var q PriceQuote
	if err := p.get(ctx, "prices", "/prices/"+url.PathEscape(strings.ToUpper(symbol)), nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (p *HTTPProvider) Yields(ctx context.Context, token, chain string) ([]YieldOpportunity, error) {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if chain != "" {
		q.Set("chain", chain)
	}
	var out []YieldOpportunity
	if err := p.get(ctx, "yields", "/yields", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTPProvider) ArbitrageOpportunities(ctx context.Context, asset string, chains []string) ([]ArbitrageOpportunity, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", asset)
	}
	if len(chains) > 0 {
		q.Set("chains", strings.Join(chains, ","))
	}
	var out []ArbitrageOpportunity
	if err := p.get(ctx, "arbitrage", "/arbitrage", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *HTTPProvider) GasPrices(ctx context.Context, chain string) (*GasQuote, error) {
	var g GasQuote
	if err := p.get(ctx, "gas", "/gas/"+url.PathEscape(strings.ToLower(chain)), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *HTTPProvider) Proposals(ctx context.Context, dao string) ([]Proposal, error) {
	var out []Proposal
	if err := p.get(ctx, "proposals", "/daos/"+url.PathEscape(strings.ToLower(dao))+"/proposals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// get performs one logical GET with retry under the endpoint's circuit.
// Client-side errors (4xx) are returned without retry and do not count
// against the circuit.
func (p *HTTPProvider) get(ctx context.Context, endpoint, path string, query url.Values, dst any) error {
	u := *p.base
	u.Path += path
	u.RawQuery = query.Encode()

	return Retry(ctx, p.cfg.Retry, func(ctx context.Context) error {
		if err := p.breakers.Allow(endpoint); err != nil {
			return err
		}
		body, err := p.fetch(ctx, u.String())
		switch {
		case err == nil:
			p.breakers.Record(endpoint, nil)
		case errors.Is(err, context.Canceled):
			return err
		case IsRetryableError(err):
			p.breakers.Record(endpoint, err)
			p.logger.WarnContext(ctx, "protocol request failed", "endpoint", endpoint, "error", err)
			return err
		default:
			p.breakers.Record(endpoint, nil)
			return err
		}
		if err := xjson.Unmarshal(body, dst); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "protocol: decode %s response", endpoint).WithCause(err)
		}
		return nil
	})
}

func (p *HTTPProvider) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "protocol: build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "protocol: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "protocol: read response").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "protocol: %s not found", req.URL.Path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeProtocol, "protocol: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": rawURL})
	case resp.StatusCode >= 400:
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("protocol: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}
