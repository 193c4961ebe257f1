package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/entitle/backend/internal/infrastructure/persistence/orgscope"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BillingEventModel is the GORM model for the append-only entitlement ledger
type BillingEventModel struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EventType       string     `gorm:"type:varchar(100);not null;index"`
	OrgID           uuid.UUID  `gorm:"type:uuid;not null;index"`
	ActorType       string     `gorm:"type:varchar(20);not null"`
	ActorID         *uuid.UUID `gorm:"type:uuid"`
	Payload         []byte     `gorm:"type:jsonb"`
	ProviderEventID string     `gorm:"type:varchar(255);index"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index"`
}

// TableName returns the table name for the model
func (BillingEventModel) TableName() string {
	return "billing_events"
}

// ToEntity converts the model to a domain entity
func (m *BillingEventModel) ToEntity() *billing.BillingEvent {
	return &billing.BillingEvent{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.CreatedAt,
		},
		EventType:       m.EventType,
		OrgID:           m.OrgID,
		ActorType:       billing.ActorType(m.ActorType),
		ActorID:         m.ActorID,
		Payload:         json.RawMessage(m.Payload),
		ProviderEventID: m.ProviderEventID,
	}
}

// BillingEventModelFromEntity creates a model from a domain entity
func BillingEventModelFromEntity(e *billing.BillingEvent) *BillingEventModel {
	return &BillingEventModel{
		ID:              e.ID,
		EventType:       e.EventType,
		OrgID:           e.OrgID,
		ActorType:       string(e.ActorType),
		ActorID:         e.ActorID,
		Payload:         []byte(e.Payload),
		ProviderEventID: e.ProviderEventID,
		CreatedAt:       e.CreatedAt,
	}
}

// BillingEventRepository implements the billing.BillingEventRepository
// interface. Append-only: there is no update or delete path.
type BillingEventRepository struct {
	db *gorm.DB
}

// NewBillingEventRepository creates a new billing event repository
func NewBillingEventRepository(db *gorm.DB) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

// Append writes a ledger entry
func (r *BillingEventRepository) Append(ctx context.Context, event *billing.BillingEvent) error {
	model := BillingEventModelFromEntity(event)
	return r.db.WithContext(ctx).Create(model).Error
}

// Query lists ledger entries matching the filter, newest first
func (r *BillingEventRepository) Query(ctx context.Context, filter billing.LedgerFilter) ([]*billing.BillingEvent, error) {
	q := r.db.WithContext(ctx).Model(&BillingEventModel{})

	if filter.OrgID != nil {
		q = q.Scopes(orgscope.OrgScope(*filter.OrgID))
	}
	if filter.ActorType != nil {
		q = q.Where("actor_type = ?", string(*filter.ActorType))
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	orderBy := ValidateSortField(filter.OrderBy, LedgerSortFields, "created_at")
	orderDir := ValidateSortOrder(filter.OrderDir)

	var models []BillingEventModel
	err := q.Order(orderBy + " " + orderDir).
		Limit(limit).
		Offset(filter.Offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*billing.BillingEvent, len(models))
	for i := range models {
		events[i] = models[i].ToEntity()
	}
	return events, nil
}

// CountByProviderEvent counts ledger entries referencing a provider event id
func (r *BillingEventRepository) CountByProviderEvent(ctx context.Context, providerEventID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BillingEventModel{}).
		Where("provider_event_id = ?", providerEventID).
		Count(&count).Error
	return count, err
}

// Ensure BillingEventRepository implements the interface
var _ billing.BillingEventRepository = (*BillingEventRepository)(nil)
