package device

import "context"

// Tier is a subscription plan level
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Plan carries the limits of a subscription tier
type Plan struct {
	Tier Tier
	// MaxDevices is the active device cap; negative means unlimited
	MaxDevices int
}

// Allows reports whether n active devices fit within the plan
func (p Plan) Allows(n int) bool {
	return p.MaxDevices < 0 || n <= p.MaxDevices
}

// PlanFor returns the limits for a tier. Unknown tiers get free limits.
func PlanFor(t Tier) Plan {
	switch t {
	case TierPremium:
		return Plan{Tier: TierPremium, MaxDevices: -1}
	default:
		return Plan{Tier: TierFree, MaxDevices: 1}
	}
}

// PlanLookup resolves a user's subscription plan.
// Users without a plan record are on the free tier.
type PlanLookup interface {
	Plan(ctx context.Context, userID string) (Plan, error)
}
