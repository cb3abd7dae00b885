package billing

import (
	"context"
	"sync"

	"github.com/rendis/deflow/pkg/schema"
)

// SubscriptionService resolves the caller's current subscription tier.
type SubscriptionService interface {
	Tier(ctx context.Context, userID string) (schema.SubscriptionTier, error)
}

// StaticSubscriptions is an in-memory SubscriptionService. Users without an
// entry get the fallback tier.
type StaticSubscriptions struct {
	mu       sync.RWMutex
	tiers    map[string]schema.SubscriptionTier
	fallback schema.SubscriptionTier
}

// NewStaticSubscriptions creates a service that answers fallback for unknown users.
// An invalid fallback becomes standard.
func NewStaticSubscriptions(fallback schema.SubscriptionTier) *StaticSubscriptions {
	if !fallback.Valid() {
		fallback = schema.TierStandard
	}
	return &StaticSubscriptions{
		tiers:    make(map[string]schema.SubscriptionTier),
		fallback: fallback,
	}
}

// Set assigns a tier to a user.
func (s *StaticSubscriptions) Set(userID string, tier schema.SubscriptionTier) error {
	if !tier.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown subscription tier %q", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = tier
	return nil
}

// Tier returns the user's tier.
func (s *StaticSubscriptions) Tier(_ context.Context, userID string) (schema.SubscriptionTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	return s.fallback, nil
}
