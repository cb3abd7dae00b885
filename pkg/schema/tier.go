package schema

// SubscriptionTier is the caller's plan, used to select execution pricing.
type SubscriptionTier string

const (
	TierStandard SubscriptionTier = "standard"
	TierPremium  SubscriptionTier = "premium"
	TierPro      SubscriptionTier = "pro"
)

// Rank orders tiers so a node's minimum tier can be compared to the caller's.
func (t SubscriptionTier) Rank() int {
	switch t {
	case TierPremium:
		return 1
	case TierPro:
		return 2
	default:
		return 0
	}
}

// Valid reports whether t is one of the known tiers.
func (t SubscriptionTier) Valid() bool {
	return t == TierStandard || t == TierPremium || t == TierPro
}

// TransactionFeeRate is the fraction of a node's base price charged per run.
func (t SubscriptionTier) TransactionFeeRate() float64 {
	switch t {
	case TierPremium:
		return 0.0025
	case TierPro:
		return 0.001
	default:
		return 0.0085
	}
}

// MonthlyFee is the plan price in USD.
func (t SubscriptionTier) MonthlyFee() float64 {
	switch t {
	case TierPremium:
		return 19
	case TierPro:
		return 149
	default:
		return 0
	}
}
