package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/entitle/backend/internal/infrastructure/persistence/orgscope"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TierChangeAuditModel is the GORM model for tier transition audit rows
type TierChangeAuditModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrgID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	FromTier  string     `gorm:"type:varchar(20);not null"`
	ToTier    string     `gorm:"type:varchar(20);not null"`
	Source    string     `gorm:"type:varchar(20);not null"`
	ChangedBy *uuid.UUID `gorm:"type:uuid"`
	Reason    string     `gorm:"type:text"`
	CreatedAt time.Time  `gorm:"autoCreateTime;index"`
}

// TableName returns the table name for the model
func (TierChangeAuditModel) TableName() string {
	return "tier_change_audits"
}

// ToEntity converts the model to a domain entity
func (m *TierChangeAuditModel) ToEntity() *billing.TierChangeAudit {
	return &billing.TierChangeAudit{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.CreatedAt,
		},
		OrgID:     m.OrgID,
		FromTier:  billing.Tier(m.FromTier),
		ToTier:    billing.Tier(m.ToTier),
		Source:    billing.ActorType(m.Source),
		ChangedBy: m.ChangedBy,
		Reason:    m.Reason,
	}
}

// TierChangeAuditModelFromEntity creates a model from a domain entity
func TierChangeAuditModelFromEntity(e *billing.TierChangeAudit) *TierChangeAuditModel {
	return &TierChangeAuditModel{
		ID:        e.ID,
		OrgID:     e.OrgID,
		FromTier:  string(e.FromTier),
		ToTier:    string(e.ToTier),
		Source:    string(e.Source),
		ChangedBy: e.ChangedBy,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
	}
}

// TierChangeAuditRepository implements the billing.TierChangeAuditRepository interface
type TierChangeAuditRepository struct {
	db *gorm.DB
}

// NewTierChangeAuditRepository creates a new tier change audit repository
func NewTierChangeAuditRepository(db *gorm.DB) *TierChangeAuditRepository {
	return &TierChangeAuditRepository{db: db}
}

// Save writes an audit row
func (r *TierChangeAuditRepository) Save(ctx context.Context, audit *billing.TierChangeAudit) error {
	model := TierChangeAuditModelFromEntity(audit)
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByOrg lists audit rows for an organization, newest first
func (r *TierChangeAuditRepository) FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.TierChangeAudit, error) {
	var models []TierChangeAuditModel
	err := r.db.WithContext(ctx).
		Scopes(orgscope.OrgScope(orgID)).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	audits := make([]*billing.TierChangeAudit, len(models))
	for i := range models {
		audits[i] = models[i].ToEntity()
	}
	return audits, nil
}

// Ensure TierChangeAuditRepository implements the interface
var _ billing.TierChangeAuditRepository = (*TierChangeAuditRepository)(nil)
