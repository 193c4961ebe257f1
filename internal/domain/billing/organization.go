package billing

import (
	"time"

	"github.com/entitle/backend/internal/domain/shared"
)

// OrganizationStatus represents the lifecycle state of an organization
type OrganizationStatus string

const (
	// OrgStatusActive is a live organization
	OrgStatusActive OrganizationStatus = "active"

	// OrgStatusRetired is a soft-retired organization. Organizations are never
	// deleted while billing records reference them.
	OrgStatusRetired OrganizationStatus = "retired"
)

// Organization is the tenant identity and the authoritative holder of the
// current tier. The tier is mutated only through the tier state machine or
// the admin override gateway; every mutation bumps TierVersion and must be
// committed with a version guard.
type Organization struct {
	shared.BaseAggregateRoot
	Name             string
	Tier             Tier
	TierVersion      int
	Modifier         TierModifier
	OveragesDisabled bool
	IsPaused         bool
	PausedAt         *time.Time
	PauseReason      string
	CustomLimits     map[ResourceType]int64 // admin-set per-resource overrides, nil entry = tier default
	Status           OrganizationStatus
}

// NewOrganization creates a new active organization on the free tier
func NewOrganization(name string) (*Organization, error) {
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Organization name cannot be empty")
	}
	return &Organization{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Name:              name,
		Tier:              TierFree,
		TierVersion:       1,
		Modifier:          ModifierNone,
		Status:            OrgStatusActive,
	}, nil
}

// IsActive returns true if the organization is not retired
func (o *Organization) IsActive() bool {
	return o.Status == OrgStatusActive
}

// ChangeTier moves the organization to a new tier and bumps the tier version.
// Validation of whether the transition is legal happens on the subscription;
// this method only enforces tier validity and org liveness.
func (o *Organization) ChangeTier(tier Tier, modifier TierModifier) error {
	if !tier.IsValid() {
		return shared.NewDomainError("INVALID_TIER", "Unknown tier: "+tier.String())
	}
	if !modifier.IsValid() {
		return shared.NewDomainError("INVALID_MODIFIER", "Unknown tier modifier: "+modifier.String())
	}
	if !o.IsActive() {
		return shared.ErrInvalidState
	}
	o.Tier = tier
	o.Modifier = modifier
	o.TierVersion++
	o.Touch()
	return nil
}

// SetModifier updates only the tier modifier, still bumping the tier version
// so concurrent writers conflict instead of silently interleaving.
func (o *Organization) SetModifier(modifier TierModifier) error {
	if !modifier.IsValid() {
		return shared.NewDomainError("INVALID_MODIFIER", "Unknown tier modifier: "+modifier.String())
	}
	o.Modifier = modifier
	o.TierVersion++
	o.Touch()
	return nil
}

// EffectiveLimit returns the usage limit for a resource, preferring an
// admin-set custom limit over the tier default. -1 means unlimited.
func (o *Organization) EffectiveLimit(resource ResourceType) int64 {
	if o.CustomLimits != nil {
		if limit, ok := o.CustomLimits[resource]; ok {
			return limit
		}
	}
	return BaseLimit(o.Tier, resource)
}

// SetCustomLimits replaces the admin-set per-resource limits
func (o *Organization) SetCustomLimits(limits map[ResourceType]int64) error {
	for resource, limit := range limits {
		if !resource.IsValid() {
			return shared.NewDomainError("INVALID_RESOURCE_TYPE", "Unknown resource type: "+resource.String())
		}
		if limit < -1 {
			return shared.NewDomainError("INVALID_LIMIT", "Limit must be -1 (unlimited) or non-negative")
		}
	}
	o.CustomLimits = limits
	o.Touch()
	return nil
}

// Pause marks the organization paused for serving-layer admission checks.
// Only the spend-cap enforcer flips this flag.
func (o *Organization) Pause(reason string) {
	if o.IsPaused {
		return
	}
	now := time.Now()
	o.IsPaused = true
	o.PausedAt = &now
	o.PauseReason = reason
	o.UpdatedAt = now
}

// Resume clears the pause flag
func (o *Organization) Resume() {
	if !o.IsPaused {
		return
	}
	o.IsPaused = false
	o.PausedAt = nil
	o.PauseReason = ""
	o.Touch()
}

// Retire soft-retires the organization
func (o *Organization) Retire() error {
	if o.Status == OrgStatusRetired {
		return shared.ErrInvalidState
	}
	o.Status = OrgStatusRetired
	o.Touch()
	return nil
}
