package shared

import (
	"github.com/google/uuid"
)

// AggregateRoot marks an entity as a consistency boundary. Aggregates
// carry an optimistic-lock version and buffer domain events until the
// surrounding transaction commits.
type AggregateRoot interface {
	Entity
	GetVersion() int
	IncrementVersion()
	AddDomainEvent(event DomainEvent)
	GetDomainEvents() []DomainEvent
	ClearDomainEvents()
}

// BaseAggregateRoot is the embeddable implementation of AggregateRoot.
type BaseAggregateRoot struct {
	BaseEntity
	Version      int           `gorm:"not null;default:1"`
	domainEvents []DomainEvent `gorm:"-"`
}

// NewBaseAggregateRoot returns an aggregate root at version 1 with no
// pending events.
func NewBaseAggregateRoot() BaseAggregateRoot {
	return BaseAggregateRoot{
		BaseEntity: NewBaseEntity(),
		Version:    1,
	}
}

// GetVersion returns the optimistic-lock version.
func (a *BaseAggregateRoot) GetVersion() int { return a.Version }

// IncrementVersion bumps the optimistic-lock version. Call it on every
// state-changing operation so a concurrent writer loses its CAS.
func (a *BaseAggregateRoot) IncrementVersion() { a.Version++ }

// AddDomainEvent buffers an event for publication after commit.
func (a *BaseAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.domainEvents = append(a.domainEvents, event)
}

// GetDomainEvents returns the buffered events without clearing them.
func (a *BaseAggregateRoot) GetDomainEvents() []DomainEvent {
	return a.domainEvents
}

// ClearDomainEvents drops the buffered events, typically after the bus
// has accepted them.
func (a *BaseAggregateRoot) ClearDomainEvents() {
	a.domainEvents = nil
}

// OrgAggregateRoot extends BaseAggregateRoot with organization scoping.
// Every billing aggregate belongs to exactly one organization.
type OrgAggregateRoot struct {
	BaseAggregateRoot
	OrgID uuid.UUID `gorm:"type:uuid;not null;index"`
}

// NewOrgAggregateRoot creates a new organization-scoped aggregate root
func NewOrgAggregateRoot(orgID uuid.UUID) OrgAggregateRoot {
	return OrgAggregateRoot{
		BaseAggregateRoot: NewBaseAggregateRoot(),
		OrgID:             orgID,
	}
}
