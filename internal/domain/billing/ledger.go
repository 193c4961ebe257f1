package billing

import (
	"encoding/json"
	"time"

	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// ActorType attributes a billing-relevant state change
type ActorType string

const (
	// ActorUser is a self-service action by an organization member
	ActorUser ActorType = "user"

	// ActorAdmin is an operator override
	ActorAdmin ActorType = "admin"

	// ActorSystem is a background worker or scheduled job
	ActorSystem ActorType = "system"

	// ActorStripe is an ingested provider webhook
	ActorStripe ActorType = "stripe"
)

// IsValid returns true for known actor types
func (a ActorType) IsValid() bool {
	switch a {
	case ActorUser, ActorAdmin, ActorSystem, ActorStripe:
		return true
	}
	return false
}

// BillingEvent is one entry in the append-only entitlement ledger. Entries
// are never updated or deleted by normal operation.
type BillingEvent struct {
	shared.BaseEntity
	EventType       string
	OrgID           uuid.UUID
	ActorType       ActorType
	ActorID         *uuid.UUID
	Payload         json.RawMessage
	ProviderEventID string
}

// NewBillingEvent creates a ledger entry
func NewBillingEvent(eventType string, orgID uuid.UUID, actorType ActorType, actorID *uuid.UUID, payload any, providerEventID string) (*BillingEvent, error) {
	if eventType == "" {
		return nil, shared.NewDomainError("INVALID_EVENT_TYPE", "Ledger event type cannot be empty")
	}
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if !actorType.IsValid() {
		return nil, shared.NewDomainError("INVALID_ACTOR", "Unknown actor type: "+string(actorType))
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, shared.NewDomainError("INVALID_PAYLOAD", "Ledger payload is not serializable")
		}
		raw = data
	}

	return &BillingEvent{
		BaseEntity:      shared.NewBaseEntity(),
		EventType:       eventType,
		OrgID:           orgID,
		ActorType:       actorType,
		ActorID:         actorID,
		Payload:         raw,
		ProviderEventID: providerEventID,
	}, nil
}

// TierChangeAudit is the denormalized audit row written for every tier
// transition, kept separate from the full ledger for support queries.
type TierChangeAudit struct {
	shared.BaseEntity
	OrgID     uuid.UUID
	FromTier  Tier
	ToTier    Tier
	Source    ActorType
	ChangedBy *uuid.UUID
	Reason    string
}

// NewTierChangeAudit creates a tier transition audit row
func NewTierChangeAudit(orgID uuid.UUID, from, to Tier, source ActorType, changedBy *uuid.UUID, reason string) (*TierChangeAudit, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization ID cannot be empty")
	}
	if !from.IsValid() || !to.IsValid() {
		return nil, shared.NewDomainError("INVALID_TIER", "Audit tiers must be valid")
	}
	if !source.IsValid() {
		return nil, shared.NewDomainError("INVALID_ACTOR", "Unknown audit source: "+string(source))
	}
	return &TierChangeAudit{
		BaseEntity: shared.NewBaseEntity(),
		OrgID:      orgID,
		FromTier:   from,
		ToTier:     to,
		Source:     source,
		ChangedBy:  changedBy,
		Reason:     reason,
	}, nil
}

// LedgerFilter narrows ledger queries
type LedgerFilter struct {
	OrgID     *uuid.UUID
	ActorType *ActorType
	EventType string
	From      *time.Time
	To        *time.Time
	OrderBy   string
	OrderDir  string
	Limit     int
	Offset    int
}
