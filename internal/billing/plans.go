// Package billing provides plan management and subscription state logic.
package billing

import "snapsage/internal/types"

// PlanRegistry defines the authoritative limits for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetLimits returns the quota configuration and model entitlements for the
	// given plan tier. For unknown tiers, returns the most restrictive (start)
	// limits to fail safely.
	GetLimits(tier types.PlanTier) types.PlanLimits
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
// It implements PlanRegistry and is the standard implementation for production use.
type staticPlanRegistry struct {
	limits map[types.PlanTier]types.PlanLimits
}

func tokens(n int64) *int64 { return &n }

// planDefaults defines the hardcoded plan configuration:
//
//	| Plan     | Quota             | Models                       | Price/mo |
//	|----------|-------------------|------------------------------|----------|
//	| start    | 50k lifetime      | gpt-4o-mini                  | $0       |
//	| normal   | 1.5M monthly      | gpt-4o-mini, gpt-4o          | $9.99    |
//	| high     | 5M monthly        | gpt-4o-mini, gpt-4o          | $19.99   |
//	| ultra    | 15M monthly       | gpt-4o-mini, gpt-4o, o3      | $39.99   |
//	| premium  | 1M weekly         | gpt-4o-mini, gpt-4o          | $24.99/wk|
//	| internal | unlimited         | all                          | n/a      |
//
// QuotaTokens=nil represents "unlimited" -- enforcement code must treat nil
// as no limit.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanStart: {
		QuotaType:    types.QuotaLifetime,
		QuotaTokens:  tokens(50_000),
		Models:       []string{"gpt-4o-mini"},
		DefaultModel: "gpt-4o-mini",
		PriceCents:   0,
	},
	types.PlanNormal: {
		QuotaType:    types.QuotaMonthly,
		QuotaTokens:  tokens(1_500_000),
		Models:       []string{"gpt-4o-mini", "gpt-4o"},
		DefaultModel: "gpt-4o",
		PriceCents:   999,
	},
	types.PlanHigh: {
		QuotaType:    types.QuotaMonthly,
		QuotaTokens:  tokens(5_000_000),
		Models:       []string{"gpt-4o-mini", "gpt-4o"},
		DefaultModel: "gpt-4o",
		PriceCents:   1999,
	},
	types.PlanUltra: {
		QuotaType:    types.QuotaMonthly,
		QuotaTokens:  tokens(15_000_000),
		Models:       []string{"gpt-4o-mini", "gpt-4o", "o3"},
		DefaultModel: "gpt-4o",
		PriceCents:   3999,
	},
	types.PlanPremium: {
		QuotaType:    types.QuotaWeekly,
		QuotaTokens:  tokens(1_000_000),
		Models:       []string{"gpt-4o-mini", "gpt-4o"},
		DefaultModel: "gpt-4o",
		PriceCents:   2499,
	},
	types.PlanInternal: {
		QuotaType:    types.QuotaMonthly,
		QuotaTokens:  nil, // Unlimited -- enforcement treats nil as no limit
		Models:       []string{"gpt-4o-mini", "gpt-4o", "o3"},
		DefaultModel: "gpt-4o",
		PriceCents:   0,
	},
}

// startLimits is cached to avoid map lookups on the fallback path.
var startLimits = planDefaults[types.PlanStart]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// limits. This is the standard production implementation; no database or
// external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

// GetLimits returns the quota configuration for the given plan tier.
// If the tier is unknown, it returns the start tier limits as a safe default.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return startLimits
}
