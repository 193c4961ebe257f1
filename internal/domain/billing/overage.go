package billing

import (
	"time"

	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OverageChargeStatus tracks billing progress of an accumulated overage
type OverageChargeStatus string

const (
	// OverageChargePending accumulates during the open period
	OverageChargePending OverageChargeStatus = "pending"

	// OverageChargeInvoiced was added to a provider invoice
	OverageChargeInvoiced OverageChargeStatus = "invoiced"

	// OverageChargePaid was settled
	OverageChargePaid OverageChargeStatus = "paid"

	// OverageChargeWaived was forgiven by an operator
	OverageChargeWaived OverageChargeStatus = "waived"
)

// IsValid returns true for known overage charge statuses
func (s OverageChargeStatus) IsValid() bool {
	switch s {
	case OverageChargePending, OverageChargeInvoiced, OverageChargePaid, OverageChargeWaived:
		return true
	}
	return false
}

// Period is a billing period window
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// OverageCharge accumulates usage beyond the included limit for one
// (organization, billing period, resource type). One row per key; usage
// arrives incrementally and is upserted.
type OverageCharge struct {
	shared.OrgAggregateRoot
	PeriodStart      time.Time
	PeriodEnd        time.Time
	ResourceType     ResourceType
	BaseLimit        int64
	ActualUsage      int64
	OverageAmount    int64
	RatePerUnitCents int64
	TotalChargeCents int64
	Status           OverageChargeStatus
}

// NewOverageCharge creates an empty accumulator row for a period
func NewOverageCharge(orgID uuid.UUID, period Period, resource ResourceType, baseLimit, ratePerUnitCents int64) (*OverageCharge, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if !resource.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Unknown resource type: "+resource.String())
	}
	if !period.End.After(period.Start) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period end must be after period start")
	}
	if ratePerUnitCents < 0 {
		return nil, shared.NewDomainError("INVALID_RATE", "Overage rate cannot be negative")
	}
	return &OverageCharge{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(orgID),
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
		ResourceType:     resource,
		BaseLimit:        baseLimit,
		RatePerUnitCents: ratePerUnitCents,
		Status:           OverageChargePending,
	}, nil
}

// AddUsage increments accumulated usage and recomputes the charge
func (c *OverageCharge) AddUsage(count int64) error {
	if count < 0 {
		return shared.NewDomainError("INVALID_COUNT", "Usage count cannot be negative")
	}
	c.ActualUsage += count
	c.Recalculate()
	return nil
}

// Recalculate derives overage_amount and total_charge_cents from actual
// usage. A base limit of -1 means unlimited, so no overage accrues.
func (c *OverageCharge) Recalculate() {
	if c.BaseLimit < 0 {
		c.OverageAmount = 0
		c.TotalChargeCents = 0
		return
	}
	overage := c.ActualUsage - c.BaseLimit
	if overage < 0 {
		overage = 0
	}
	c.OverageAmount = overage
	charge := decimal.NewFromInt(overage).Mul(decimal.NewFromInt(c.RatePerUnitCents))
	c.TotalChargeCents = charge.IntPart()
	c.Touch()
}

// MarkInvoiced transitions the charge to invoiced
func (c *OverageCharge) MarkInvoiced() error {
	if c.Status != OverageChargePending {
		return shared.ErrInvalidState
	}
	c.Status = OverageChargeInvoiced
	c.Touch()
	return nil
}

// Waive forgives a pending or invoiced charge
func (c *OverageCharge) Waive() error {
	if c.Status == OverageChargePaid {
		return shared.ErrInvalidState
	}
	c.Status = OverageChargeWaived
	c.Touch()
	return nil
}

// InstantChargeStatus tracks submission of a threshold-triggered charge
type InstantChargeStatus string

const (
	// InstantChargeCreated exists but has not reached the provider yet
	InstantChargeCreated InstantChargeStatus = "created"

	// InstantChargeSubmitted was accepted by the provider
	InstantChargeSubmitted InstantChargeStatus = "submitted"

	// InstantChargeFailed could not be submitted after retries; kept for replay
	InstantChargeFailed InstantChargeStatus = "failed"
)

// InstantCharge is an out-of-cycle charge created exactly once when the
// accumulated overage for a period first crosses the configured threshold.
// Uniqueness on (org, period start, threshold) makes retried usage events
// unable to double-charge.
type InstantCharge struct {
	shared.OrgAggregateRoot
	PeriodStart    time.Time
	ThresholdCents int64
	AmountCents    int64
	StripeChargeID string
	Status         InstantChargeStatus
	LastError      string
}

// NewInstantCharge creates a threshold-crossing charge
func NewInstantCharge(orgID uuid.UUID, periodStart time.Time, thresholdCents, amountCents int64) (*InstantCharge, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if thresholdCents <= 0 {
		return nil, shared.NewDomainError("INVALID_THRESHOLD", "Instant charge threshold must be positive")
	}
	if amountCents < thresholdCents {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Instant charge amount cannot be below the threshold")
	}
	return &InstantCharge{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(orgID),
		PeriodStart:      periodStart,
		ThresholdCents:   thresholdCents,
		AmountCents:      amountCents,
		Status:           InstantChargeCreated,
	}, nil
}

// MarkSubmitted records the provider charge reference
func (c *InstantCharge) MarkSubmitted(stripeChargeID string) {
	c.StripeChargeID = stripeChargeID
	c.Status = InstantChargeSubmitted
	c.LastError = ""
	c.Touch()
}

// MarkFailed records a provider submission failure for later replay
func (c *InstantCharge) MarkFailed(errMsg string) {
	c.Status = InstantChargeFailed
	c.LastError = errMsg
	c.Touch()
}
