package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SpendCapModel is the GORM model for spend caps
type SpendCapModel struct {
	ID                      uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID                   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	CapAmountCents          int64     `gorm:"not null"`
	CurrentPeriodSpendCents int64     `gorm:"not null;default:0"`
	HardPauseEnabled        bool      `gorm:"not null;default:false"`
	IsPaused                bool      `gorm:"not null;default:false"`
	OverrideUntil           *time.Time
	OverrideReason          string     `gorm:"type:text"`
	OverrideSetBy           *uuid.UUID `gorm:"type:uuid"`
	Version                 int        `gorm:"not null;default:1"`
	CreatedAt               time.Time  `gorm:"autoCreateTime"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (SpendCapModel) TableName() string {
	return "spend_caps"
}

// ToEntity converts the model to a domain entity
func (m *SpendCapModel) ToEntity() *billing.SpendCap {
	return &billing.SpendCap{
		OrgAggregateRoot: shared.OrgAggregateRoot{
			BaseAggregateRoot: shared.BaseAggregateRoot{
				BaseEntity: shared.BaseEntity{
					ID:        m.ID,
					CreatedAt: m.CreatedAt,
					UpdatedAt: m.UpdatedAt,
				},
				Version: m.Version,
			},
			OrgID: m.OrgID,
		},
		CapAmountCents:          m.CapAmountCents,
		CurrentPeriodSpendCents: m.CurrentPeriodSpendCents,
		HardPauseEnabled:        m.HardPauseEnabled,
		IsPaused:                m.IsPaused,
		OverrideUntil:           m.OverrideUntil,
		OverrideReason:          m.OverrideReason,
		OverrideSetBy:           m.OverrideSetBy,
	}
}

// SpendCapModelFromEntity creates a model from a domain entity
func SpendCapModelFromEntity(e *billing.SpendCap) *SpendCapModel {
	return &SpendCapModel{
		ID:                      e.ID,
		OrgID:                   e.OrgID,
		CapAmountCents:          e.CapAmountCents,
		CurrentPeriodSpendCents: e.CurrentPeriodSpendCents,
		HardPauseEnabled:        e.HardPauseEnabled,
		IsPaused:                e.IsPaused,
		OverrideUntil:           e.OverrideUntil,
		OverrideReason:          e.OverrideReason,
		OverrideSetBy:           e.OverrideSetBy,
		Version:                 e.Version,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}

// SpendCapRepository implements the billing.SpendCapRepository interface
type SpendCapRepository struct {
	db *gorm.DB
}

// NewSpendCapRepository creates a new spend cap repository
func NewSpendCapRepository(db *gorm.DB) *SpendCapRepository {
	return &SpendCapRepository{db: db}
}

// Save creates or replaces the one-per-organization cap. The pause flag and
// accumulated spend are preserved on conflict: those columns belong to the
// enforcer and the meter respectively.
func (r *SpendCapRepository) Save(ctx context.Context, cap *billing.SpendCap) error {
	model := SpendCapModelFromEntity(cap)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"cap_amount_cents":   model.CapAmountCents,
			"hard_pause_enabled": model.HardPauseEnabled,
			"override_until":     model.OverrideUntil,
			"override_reason":    model.OverrideReason,
			"override_set_by":    model.OverrideSetBy,
			"updated_at":         model.UpdatedAt,
		}),
	}).Create(model).Error
}

// FindByOrgID loads the cap for an organization
func (r *SpendCapRepository) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*billing.SpendCap, error) {
	var model SpendCapModel
	if err := r.db.WithContext(ctx).First(&model, "org_id = ?", orgID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// AddSpend atomically increments current_period_spend_cents and returns the
// post-increment cap state
func (r *SpendCapRepository) AddSpend(ctx context.Context, orgID uuid.UUID, cents int64) (*billing.SpendCap, error) {
	result := r.db.WithContext(ctx).
		Model(&SpendCapModel{}).
		Where("org_id = ?", orgID).
		Updates(map[string]interface{}{
			"current_period_spend_cents": gorm.Expr("current_period_spend_cents + ?", cents),
			"updated_at":                 time.Now(),
		})

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, shared.ErrNotFound
	}
	return r.FindByOrgID(ctx, orgID)
}

// SetPaused flips only is_paused for the cap row
func (r *SpendCapRepository) SetPaused(ctx context.Context, orgID uuid.UUID, paused bool) error {
	result := r.db.WithContext(ctx).
		Model(&SpendCapModel{}).
		Where("org_id = ?", orgID).
		Updates(map[string]interface{}{
			"is_paused":  paused,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes the cap configuration
func (r *SpendCapRepository) Delete(ctx context.Context, orgID uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&SpendCapModel{}, "org_id = ?", orgID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindOverCapUnpaused returns caps that should be paused but are not.
// This catches orgs whose override expired without any usage event arriving
// to re-trigger evaluation.
func (r *SpendCapRepository) FindOverCapUnpaused(ctx context.Context, now time.Time, limit int) ([]*billing.SpendCap, error) {
	var models []SpendCapModel
	err := r.db.WithContext(ctx).
		Where("hard_pause_enabled = ?", true).
		Where("is_paused = ?", false).
		Where("current_period_spend_cents >= cap_amount_cents").
		Where("override_until IS NULL OR override_until <= ?", now).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	caps := make([]*billing.SpendCap, len(models))
	for i := range models {
		caps[i] = models[i].ToEntity()
	}
	return caps, nil
}

// Ensure SpendCapRepository implements the interface
var _ billing.SpendCapRepository = (*SpendCapRepository)(nil)
