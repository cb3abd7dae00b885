// Package billing computes per-node execution fees from the node-type
// catalog and the caller's subscription tier.
package billing

import (
	"context"
	"log/slog"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/pkg/schema"
)

// Quote is the fee charged for one node execution.
type Quote struct {
	Fee  float64                 `json:"executionFee"`
	Tier schema.SubscriptionTier `json:"tier"`
}

// Applies reports whether the fee should be attached to the node output.
func (q Quote) Applies() bool {
	return q.Fee > 0
}

// Fee is the pure pricing rule: the definition's price for tier, or 0 when the
// node type is unknown or has no tiered pricing.
func Fee(def catalog.Definition, known bool, tier schema.SubscriptionTier) float64 {
	if !known || !def.HasPricing() {
		return 0
	}
	return def.Pricing[tier]
}

// Calculator prices nodes using a catalog and a subscription service.
type Calculator struct {
	catalog       catalog.Catalog
	subscriptions SubscriptionService
	logger        *slog.Logger
}

// NewCalculator creates a Calculator. A nil subscription service prices every
// caller at the standard tier.
func NewCalculator(cat catalog.Catalog, subs SubscriptionService, logger *slog.Logger) *Calculator {
	if subs == nil {
		subs = NewStaticSubscriptions(schema.TierStandard)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{catalog: cat, subscriptions: subs, logger: logger}
}

// Fee returns the fee of node at tier. Side-effect free.
func (c *Calculator) Fee(node schema.WorkflowNode, tier schema.SubscriptionTier) float64 {
	def, ok := c.catalog.Lookup(node.NodeType)
	return Fee(def, ok, tier)
}

// Tier resolves the user's tier, defaulting to standard when the
// subscription service fails.
func (c *Calculator) Tier(ctx context.Context, userID string) schema.SubscriptionTier {
	tier, err := c.subscriptions.Tier(ctx, userID)
	if err != nil || !tier.Valid() {
		if err != nil {
			c.logger.WarnContext(ctx, "subscription lookup failed, using standard tier",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}
		return schema.TierStandard
	}
	return tier
}

// Quote resolves the user's tier and prices node for it.
func (c *Calculator) Quote(ctx context.Context, node schema.WorkflowNode, userID string) Quote {
	tier := c.Tier(ctx, userID)
	return Quote{Fee: c.Fee(node, tier), Tier: tier}
}

// Allowed reports whether tier may run node. Unknown node types and types
// without a minimum tier are allowed.
func (c *Calculator) Allowed(node schema.WorkflowNode, tier schema.SubscriptionTier) bool {
	def, ok := c.catalog.Lookup(node.NodeType)
	if !ok || def.MinTier == "" {
		return true
	}
	return tier.Rank() >= def.MinTier.Rank()
}
