package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/internal/xjson"
)

// domainParams are accepted by every domain executor.
type domainParams struct {
	AllowFallback *bool `json:"allow_fallback"`
	MaxRetries    *int  `json:"max_retries"`
}

func (p domainParams) allowFallback() bool {
	return p.AllowFallback == nil || *p.AllowFallback
}

func (p domainParams) policy(def protocol.RetryPolicy) protocol.RetryPolicy {
	if p.MaxRetries != nil {
		def.MaxRetries = *p.MaxRetries
	}
	return def
}

// domain is the shared part of the executors backed by the protocol data
// service.
type domain struct {
	base
	data   protocol.DataService
	retry  protocol.RetryPolicy
	logger *slog.Logger
}

func newDomain(nodeType string, d *Deps) domain {
	return domain{base: newBase(nodeType, d), data: d.Data, retry: d.Retry, logger: d.Logger}
}

// fetch calls fn with retry per the node's policy.
func fetch[T any](ctx context.Context, policy protocol.RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := protocol.Retry(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// unavailable turns a data service failure into the node outcome. A
// cancelled run is returned as an error. Otherwise the node either fails
// or, when fallback is allowed, succeeds with the conservative payload
// flagged as degraded.
func (d domain) unavailable(ctx context.Context, p domainParams, cause error, conservative map[string]any) (*ExecutionResult, error) {
	if ctx.Err() != nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)) {
		return nil, ctx.Err()
	}
	if !p.allowFallback() {
		return Fail(fmt.Sprintf("%s: protocol data unavailable: %v", d.Type(), cause)), nil
	}

	d.logger.WarnContext(ctx, "protocol data unavailable, using fallback", "node_type", d.Type(), "error", cause)

	conservative["confidence"] = "low"
	conservative["fallback"] = true
	conservative["fallback_reason"] = cause.Error()
	return &ExecutionResult{
		Success:  true,
		Degraded: true,
		Data:     xjson.MustMarshal(conservative),
		Warnings: []string{fmt.Sprintf("%s: protocol data unavailable, result uses conservative fallback data: %v", d.Type(), cause)},
	}, nil
}

// confident marks a payload built from live data.
func confident(out map[string]any) (*ExecutionResult, error) {
	out["confidence"] = "high"
	out["fallback"] = false
	return Succeed(out)
}
