package billing

import (
	"time"

	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// SpendCap is the per-organization ceiling on overage spend. The meter is
// the only writer of CurrentPeriodSpendCents; the enforcer is the only
// writer of IsPaused.
type SpendCap struct {
	shared.OrgAggregateRoot
	CapAmountCents          int64
	CurrentPeriodSpendCents int64
	HardPauseEnabled        bool
	IsPaused                bool
	OverrideUntil           *time.Time
	OverrideReason          string
	OverrideSetBy           *uuid.UUID
}

// NewSpendCap creates a spend cap for an organization
func NewSpendCap(orgID uuid.UUID, capAmountCents int64, hardPause bool) (*SpendCap, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if capAmountCents <= 0 {
		return nil, shared.NewDomainError("INVALID_CAP", "Spend cap must be positive")
	}
	return &SpendCap{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(orgID),
		CapAmountCents:   capAmountCents,
		HardPauseEnabled: hardPause,
	}, nil
}

// SetCap updates the cap amount and hard-pause behaviour
func (c *SpendCap) SetCap(capAmountCents int64, hardPause bool) error {
	if capAmountCents <= 0 {
		return shared.NewDomainError("INVALID_CAP", "Spend cap must be positive")
	}
	c.CapAmountCents = capAmountCents
	c.HardPauseEnabled = hardPause
	c.Touch()
	return nil
}

// AddSpend accumulates period spend. Only the overage meter calls this.
func (c *SpendCap) AddSpend(cents int64) error {
	if cents < 0 {
		return shared.NewDomainError("INVALID_AMOUNT", "Spend increment cannot be negative")
	}
	c.CurrentPeriodSpendCents += cents
	c.Touch()
	return nil
}

// ResetPeriodSpend zeroes the accumulated spend at period rollover
func (c *SpendCap) ResetPeriodSpend() {
	c.CurrentPeriodSpendCents = 0
	c.Touch()
}

// HasActiveOverride reports whether a time-boxed admin override is in effect
func (c *SpendCap) HasActiveOverride(now time.Time) bool {
	return c.OverrideUntil != nil && c.OverrideUntil.After(now)
}

// SetOverride grants a time-boxed pause exemption. Overrides are never
// indefinite.
func (c *SpendCap) SetOverride(until time.Time, setBy uuid.UUID, reason string) error {
	if !until.After(time.Now()) {
		return shared.NewDomainError("INVALID_OVERRIDE", "Override expiry must be in the future")
	}
	if reason == "" {
		return shared.NewDomainError("INVALID_OVERRIDE", "Override reason is required")
	}
	c.OverrideUntil = &until
	c.OverrideReason = reason
	c.OverrideSetBy = &setBy
	c.Touch()
	return nil
}

// ClearOverride removes an admin override
func (c *SpendCap) ClearOverride() {
	c.OverrideUntil = nil
	c.OverrideReason = ""
	c.OverrideSetBy = nil
	c.Touch()
}

// ShouldPause computes whether the organization must be paused: hard pause
// enabled, spend at or over the cap, and no active override.
func (c *SpendCap) ShouldPause(now time.Time) bool {
	if !c.HardPauseEnabled {
		return false
	}
	if c.CurrentPeriodSpendCents < c.CapAmountCents {
		return false
	}
	return !c.HasActiveOverride(now)
}

// Evaluate applies ShouldPause to the stored pause flag and reports whether
// the flag changed. The caller persists and propagates the flip.
func (c *SpendCap) Evaluate(now time.Time) (changed bool) {
	next := c.ShouldPause(now)
	if next == c.IsPaused {
		return false
	}
	c.IsPaused = next
	c.UpdatedAt = now
	return true
}
