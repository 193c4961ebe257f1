package billing

import (
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Event type constants for billing domain events
const (
	EventTypeTierChanged          = "TierChanged"
	EventTypeDowngradeScheduled   = "DowngradeScheduled"
	EventTypeDowngradeCancelled   = "DowngradeCancelled"
	EventTypeOrganizationPaused   = "OrganizationPaused"
	EventTypeOrganizationResumed  = "OrganizationResumed"
	EventTypeInstantChargeCreated = "InstantChargeCreated"
)

// Aggregate type constants
const (
	AggregateTypeSubscription = "Subscription"
	AggregateTypeOrganization = "Organization"
	AggregateTypeOverage      = "Overage"
)

// TierChangedEvent is published after a committed tier transition
type TierChangedEvent struct {
	shared.BaseDomainEvent
	FromTier string `json:"from_tier"`
	ToTier   string `json:"to_tier"`
	Source   string `json:"source"` // user, admin, system, stripe
}

// NewTierChangedEvent creates a new TierChangedEvent
func NewTierChangedEvent(orgID uuid.UUID, from, to billing.Tier, source billing.ActorType) *TierChangedEvent {
	return &TierChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeTierChanged, AggregateTypeOrganization, orgID, orgID),
		FromTier:        from.String(),
		ToTier:          to.String(),
		Source:          string(source),
	}
}

// DowngradeScheduledEvent is published when a deferred downgrade is recorded
type DowngradeScheduledEvent struct {
	shared.BaseDomainEvent
	TargetTier  string `json:"target_tier"`
	EffectiveAt string `json:"effective_at"`
}

// NewDowngradeScheduledEvent creates a new DowngradeScheduledEvent
func NewDowngradeScheduledEvent(orgID uuid.UUID, target billing.Tier, effectiveAt string) *DowngradeScheduledEvent {
	return &DowngradeScheduledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeDowngradeScheduled, AggregateTypeSubscription, orgID, orgID),
		TargetTier:      target.String(),
		EffectiveAt:     effectiveAt,
	}
}

// PauseStateChangedEvent is published when the spend-cap enforcer flips the
// pause flag either way
type PauseStateChangedEvent struct {
	shared.BaseDomainEvent
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// NewPauseStateChangedEvent creates a pause/resume event
func NewPauseStateChangedEvent(orgID uuid.UUID, paused bool, reason string) *PauseStateChangedEvent {
	eventType := EventTypeOrganizationResumed
	if paused {
		eventType = EventTypeOrganizationPaused
	}
	return &PauseStateChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, AggregateTypeOrganization, orgID, orgID),
		Paused:          paused,
		Reason:          reason,
	}
}

// InstantChargeCreatedEvent is published when accumulated overage first
// crosses the instant-charge threshold
type InstantChargeCreatedEvent struct {
	shared.BaseDomainEvent
	AmountCents    int64 `json:"amount_cents"`
	ThresholdCents int64 `json:"threshold_cents"`
}

// NewInstantChargeCreatedEvent creates a new InstantChargeCreatedEvent
func NewInstantChargeCreatedEvent(orgID uuid.UUID, chargeID uuid.UUID, amountCents, thresholdCents int64) *InstantChargeCreatedEvent {
	return &InstantChargeCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeInstantChargeCreated, AggregateTypeOverage, chargeID, orgID),
		AmountCents:     amountCents,
		ThresholdCents:  thresholdCents,
	}
}
