package billing

import (
	"time"

	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the provider-side subscription lifecycle
type SubscriptionStatus string

const (
	// SubscriptionActive is a paid, current subscription
	SubscriptionActive SubscriptionStatus = "active"

	// SubscriptionTrialing is a provider-managed trial
	SubscriptionTrialing SubscriptionStatus = "trialing"

	// SubscriptionPastDue has a failed renewal payment
	SubscriptionPastDue SubscriptionStatus = "past_due"

	// SubscriptionCanceled is soft-retired; the row is kept for history
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// IsValid returns true for known subscription statuses
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled:
		return true
	}
	return false
}

// ScheduledDowngrade holds the deferred tier transition fields. The
// Processing flag plus ClaimedAt act as a row-level mutex between the
// background worker and a concurrent admin cancel.
type ScheduledDowngrade struct {
	TargetTier  *Tier
	ScheduledAt *time.Time
	Processing  bool
	ClaimedAt   *time.Time
}

// IsPending returns true if a downgrade is scheduled and not yet executed
func (d ScheduledDowngrade) IsPending() bool {
	return d.TargetTier != nil
}

// Subscription is the one-per-organization billing record. Every tier
// mutation bumps Version; persistence commits with a WHERE version = ? guard.
type Subscription struct {
	shared.OrgAggregateRoot
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               SubscriptionStatus
	Tier                 Tier

	// StripeEventTimestamp is the timestamp of the last applied provider
	// event. Webhooks with older timestamps are rejected as stale.
	StripeEventTimestamp *time.Time
	LastSyncedAt         *time.Time

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	Downgrade ScheduledDowngrade

	// Admin trial metadata
	AdminTrialTier      *Tier
	AdminTrialExpiresAt *time.Time
	AdminTrialGrantedBy *uuid.UUID

	CanceledAt *time.Time
}

// NewSubscription creates a subscription for an organization's first paid signup
func NewSubscription(orgID uuid.UUID, stripeSubID, stripeCustomerID string, tier Tier, periodStart, periodEnd time.Time) (*Subscription, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if !tier.IsValid() {
		return nil, shared.NewDomainError("INVALID_TIER", "Unknown tier: "+tier.String())
	}
	if !periodEnd.After(periodStart) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period end must be after period start")
	}
	return &Subscription{
		OrgAggregateRoot:     shared.NewOrgAggregateRoot(orgID),
		StripeSubscriptionID: stripeSubID,
		StripeCustomerID:     stripeCustomerID,
		Status:               SubscriptionActive,
		Tier:                 tier,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
	}, nil
}

// IsStaleEvent reports whether a provider event with the given timestamp is
// older than the last applied provider state. Out-of-order webhook delivery
// must never overwrite newer state with older data.
func (s *Subscription) IsStaleEvent(eventTimestamp time.Time) bool {
	if s.StripeEventTimestamp != nil && !eventTimestamp.After(*s.StripeEventTimestamp) {
		return true
	}
	if s.StripeEventTimestamp == nil && s.LastSyncedAt != nil && eventTimestamp.Before(*s.LastSyncedAt) {
		return true
	}
	return false
}

// ApplyProviderSync records the provider event timestamp after a successful
// webhook-sourced mutation.
func (s *Subscription) ApplyProviderSync(eventTimestamp time.Time) {
	now := time.Now()
	s.StripeEventTimestamp = &eventTimestamp
	s.LastSyncedAt = &now
	s.UpdatedAt = now
}

// ChangeTier applies an immediate tier change
func (s *Subscription) ChangeTier(tier Tier) error {
	if !tier.IsValid() {
		return shared.NewDomainError("INVALID_TIER", "Unknown tier: "+tier.String())
	}
	if s.Status == SubscriptionCanceled {
		return shared.ErrInvalidState
	}
	s.Tier = tier
	s.Touch()
	return nil
}

// ScheduleDowngrade records a deferred downgrade taking effect at effectiveAt.
// A second downgrade cannot be scheduled while one is pending; the existing
// one must be cancelled first.
func (s *Subscription) ScheduleDowngrade(target Tier, effectiveAt time.Time) error {
	if !target.IsValid() {
		return shared.NewDomainError("INVALID_TIER", "Unknown tier: "+target.String())
	}
	if !target.IsDowngradeFrom(s.Tier) {
		return shared.NewDomainError("INVALID_TRANSITION", "Scheduled target must be lower than the current tier")
	}
	if s.Downgrade.IsPending() {
		return shared.NewDomainError("DOWNGRADE_PENDING", "A downgrade is already scheduled; cancel it first")
	}
	if s.Status == SubscriptionCanceled {
		return shared.ErrInvalidState
	}
	s.Downgrade = ScheduledDowngrade{TargetTier: &target, ScheduledAt: &effectiveAt}
	s.Touch()
	return nil
}

// ClearScheduledDowngrade resets the downgrade fields after execution or cancel
func (s *Subscription) ClearScheduledDowngrade() {
	s.Downgrade = ScheduledDowngrade{}
	s.Touch()
}

// StartAdminTrial grants a time-boxed admin trial on a higher tier
func (s *Subscription) StartAdminTrial(tier Tier, expiresAt time.Time, grantedBy uuid.UUID) error {
	if !tier.IsValid() {
		return shared.NewDomainError("INVALID_TIER", "Unknown tier: "+tier.String())
	}
	if !tier.IsUpgradeFrom(s.Tier) {
		return shared.NewDomainError("INVALID_TRANSITION", "Admin trial tier must be higher than the current tier")
	}
	if !expiresAt.After(time.Now()) {
		return shared.NewDomainError("INVALID_EXPIRY", "Admin trial expiry must be in the future")
	}
	s.AdminTrialTier = &tier
	s.AdminTrialExpiresAt = &expiresAt
	s.AdminTrialGrantedBy = &grantedBy
	s.Touch()
	return nil
}

// EndAdminTrial clears admin trial metadata
func (s *Subscription) EndAdminTrial() {
	s.AdminTrialTier = nil
	s.AdminTrialExpiresAt = nil
	s.AdminTrialGrantedBy = nil
	s.Touch()
}

// Cancel soft-retires the subscription
func (s *Subscription) Cancel() error {
	if s.Status == SubscriptionCanceled {
		return shared.ErrInvalidState
	}
	now := time.Now()
	s.Status = SubscriptionCanceled
	s.CanceledAt = &now
	s.ClearScheduledDowngrade()
	s.UpdatedAt = now
	return nil
}

// RenewPeriod advances the billing period after a paid renewal
func (s *Subscription) RenewPeriod(periodStart, periodEnd time.Time) error {
	if !periodEnd.After(periodStart) {
		return shared.NewDomainError("INVALID_PERIOD", "Period end must be after period start")
	}
	s.CurrentPeriodStart = periodStart
	s.CurrentPeriodEnd = periodEnd
	if s.Status == SubscriptionPastDue {
		s.Status = SubscriptionActive
	}
	s.Touch()
	return nil
}

// MarkPastDue flags a failed renewal payment
func (s *Subscription) MarkPastDue() {
	if s.Status == SubscriptionCanceled {
		return
	}
	s.Status = SubscriptionPastDue
	s.Touch()
}

// Modifier derives the tier modifier from the subscription state
func (s *Subscription) Modifier() TierModifier {
	switch {
	case s.AdminTrialTier != nil:
		return ModifierAdminTrial
	case s.Downgrade.IsPending():
		return ModifierScheduledDowngradePending
	case s.Status == SubscriptionTrialing:
		return ModifierTrialing
	default:
		return ModifierNone
	}
}
