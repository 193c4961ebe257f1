package billing

import (
	"fmt"

	"github.com/entitle/backend/internal/domain/shared"
)

// Tier represents a subscription tier
type Tier string

const (
	// TierFree is the default tier for organizations without a paid subscription
	TierFree Tier = "free"

	// TierPro is the individual/small-team paid tier
	TierPro Tier = "pro"

	// TierTeam is the multi-seat paid tier
	TierTeam Tier = "team"

	// TierEnterprise is the custom-contract tier
	TierEnterprise Tier = "enterprise"
)

// tierRank orders tiers for upgrade/downgrade direction checks
var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierTeam:       2,
	TierEnterprise: 3,
}

// AllTiers returns all valid tiers in ascending order
func AllTiers() []Tier {
	return []Tier{TierFree, TierPro, TierTeam, TierEnterprise}
}

// String returns the string representation of the tier
func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the tier is a known tier
func (t Tier) IsValid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the ordering rank of the tier (free=0 .. enterprise=3)
func (t Tier) Rank() int {
	return tierRank[t]
}

// IsUpgradeFrom returns true if t is a higher tier than other
func (t Tier) IsUpgradeFrom(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// IsDowngradeFrom returns true if t is a lower tier than other
func (t Tier) IsDowngradeFrom(other Tier) bool {
	return tierRank[t] < tierRank[other]
}

// ParseTier parses a tier string, returning an error for unknown values
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", shared.NewDomainError("INVALID_TIER", fmt.Sprintf("Unknown tier: %s", s))
	}
	return t, nil
}

// TierModifier qualifies the tier state of an organization
type TierModifier string

const (
	// ModifierNone means the tier is in its plain state
	ModifierNone TierModifier = "none"

	// ModifierTrialing means the organization is in a provider-managed trial
	ModifierTrialing TierModifier = "trialing"

	// ModifierAdminTrial means an operator granted a time-boxed trial
	ModifierAdminTrial TierModifier = "admin_trial"

	// ModifierScheduledDowngradePending means a downgrade will apply at period end
	ModifierScheduledDowngradePending TierModifier = "scheduled_downgrade_pending"
)

// IsValid returns true if the modifier is a known modifier
func (m TierModifier) IsValid() bool {
	switch m {
	case ModifierNone, ModifierTrialing, ModifierAdminTrial, ModifierScheduledDowngradePending:
		return true
	}
	return false
}

// String returns the string representation of the modifier
func (m TierModifier) String() string {
	return string(m)
}

// ResourceType identifies a metered resource
type ResourceType string

const (
	// ResourceAPICalls counts API requests served for the organization
	ResourceAPICalls ResourceType = "api_calls"

	// ResourceComputeMinutes counts metered compute time
	ResourceComputeMinutes ResourceType = "compute_minutes"

	// ResourceStorageGB counts persisted storage
	ResourceStorageGB ResourceType = "storage_gb"

	// ResourceSeats counts active member seats
	ResourceSeats ResourceType = "seats"
)

// AllResourceTypes returns all metered resource types
func AllResourceTypes() []ResourceType {
	return []ResourceType{ResourceAPICalls, ResourceComputeMinutes, ResourceStorageGB, ResourceSeats}
}

// IsValid returns true if the resource type is known
func (r ResourceType) IsValid() bool {
	switch r {
	case ResourceAPICalls, ResourceComputeMinutes, ResourceStorageGB, ResourceSeats:
		return true
	}
	return false
}

// String returns the string representation of the resource type
func (r ResourceType) String() string {
	return string(r)
}

// ParseResourceType parses a resource type string
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(s)
	if !r.IsValid() {
		return "", shared.NewDomainError("INVALID_RESOURCE_TYPE", fmt.Sprintf("Unknown resource type: %s", s))
	}
	return r, nil
}

// tierBaseLimits holds the included usage per billing period for each tier.
// Usage beyond the base limit is billed as overage.
var tierBaseLimits = map[Tier]map[ResourceType]int64{
	TierFree: {
		ResourceAPICalls:       10_000,
		ResourceComputeMinutes: 100,
		ResourceStorageGB:      1,
		ResourceSeats:          2,
	},
	TierPro: {
		ResourceAPICalls:       500_000,
		ResourceComputeMinutes: 3_000,
		ResourceStorageGB:      50,
		ResourceSeats:          10,
	},
	TierTeam: {
		ResourceAPICalls:       5_000_000,
		ResourceComputeMinutes: 20_000,
		ResourceStorageGB:      500,
		ResourceSeats:          50,
	},
	TierEnterprise: {
		ResourceAPICalls:       -1,
		ResourceComputeMinutes: -1,
		ResourceStorageGB:      -1,
		ResourceSeats:          -1,
	},
}

// defaultOverageRates holds the per-unit overage price in cents
var defaultOverageRates = map[ResourceType]int64{
	ResourceAPICalls:       1,   // $0.01 per call over the base limit
	ResourceComputeMinutes: 5,   // $0.05 per minute
	ResourceStorageGB:      25,  // $0.25 per GB
	ResourceSeats:          900, // $9.00 per seat
}

// BaseLimit returns the included usage for a tier and resource.
// A limit of -1 means unlimited.
func BaseLimit(tier Tier, resource ResourceType) int64 {
	limits, ok := tierBaseLimits[tier]
	if !ok {
		return 0
	}
	return limits[resource]
}

// OverageRateCents returns the default per-unit overage rate in cents
func OverageRateCents(resource ResourceType) int64 {
	return defaultOverageRates[resource]
}
