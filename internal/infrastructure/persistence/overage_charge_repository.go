package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/entitle/backend/internal/infrastructure/persistence/orgscope"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OverageChargeModel is the GORM model for per-period overage accumulators
type OverageChargeModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_overage_org_period_resource"`
	PeriodStart      time.Time `gorm:"not null;uniqueIndex:idx_overage_org_period_resource"`
	PeriodEnd        time.Time `gorm:"not null"`
	ResourceType     string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_overage_org_period_resource"`
	BaseLimit        int64     `gorm:"not null"`
	ActualUsage      int64     `gorm:"not null;default:0"`
	OverageAmount    int64     `gorm:"not null;default:0"`
	RatePerUnitCents int64     `gorm:"not null"`
	TotalChargeCents int64     `gorm:"not null;default:0"`
	Status           string    `gorm:"type:varchar(20);not null;default:'pending'"`
	Version          int       `gorm:"not null;default:1"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (OverageChargeModel) TableName() string {
	return "overage_charges"
}

// ToEntity converts the model to a domain entity
func (m *OverageChargeModel) ToEntity() *billing.OverageCharge {
	return &billing.OverageCharge{
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
		PeriodStart:      m.PeriodStart,
		PeriodEnd:        m.PeriodEnd,
		ResourceType:     billing.ResourceType(m.ResourceType),
		BaseLimit:        m.BaseLimit,
		ActualUsage:      m.ActualUsage,
		OverageAmount:    m.OverageAmount,
		RatePerUnitCents: m.RatePerUnitCents,
		TotalChargeCents: m.TotalChargeCents,
		Status:           billing.OverageChargeStatus(m.Status),
	}
}

// OverageChargeModelFromEntity creates a model from a domain entity
func OverageChargeModelFromEntity(e *billing.OverageCharge) *OverageChargeModel {
	return &OverageChargeModel{
		ID:               e.ID,
		OrgID:            e.OrgID,
		PeriodStart:      e.PeriodStart,
		PeriodEnd:        e.PeriodEnd,
		ResourceType:     string(e.ResourceType),
		BaseLimit:        e.BaseLimit,
		ActualUsage:      e.ActualUsage,
		OverageAmount:    e.OverageAmount,
		RatePerUnitCents: e.RatePerUnitCents,
		TotalChargeCents: e.TotalChargeCents,
		Status:           string(e.Status),
		Version:          e.Version,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

// InstantChargeModel is the GORM model for threshold-triggered charges
type InstantChargeModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_instant_org_period_threshold"`
	PeriodStart    time.Time `gorm:"not null;uniqueIndex:idx_instant_org_period_threshold"`
	ThresholdCents int64     `gorm:"not null;uniqueIndex:idx_instant_org_period_threshold"`
	AmountCents    int64     `gorm:"not null"`
	StripeChargeID string    `gorm:"type:varchar(255)"`
	Status         string    `gorm:"type:varchar(20);not null;default:'created'"`
	LastError      string    `gorm:"type:text"`
	Version        int       `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (InstantChargeModel) TableName() string {
	return "instant_charges"
}

// ToEntity converts the model to a domain entity
func (m *InstantChargeModel) ToEntity() *billing.InstantCharge {
	return &billing.InstantCharge{
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
		PeriodStart:    m.PeriodStart,
		ThresholdCents: m.ThresholdCents,
		AmountCents:    m.AmountCents,
		StripeChargeID: m.StripeChargeID,
		Status:         billing.InstantChargeStatus(m.Status),
		LastError:      m.LastError,
	}
}

// InstantChargeModelFromEntity creates a model from a domain entity
func InstantChargeModelFromEntity(e *billing.InstantCharge) *InstantChargeModel {
	return &InstantChargeModel{
		ID:             e.ID,
		OrgID:          e.OrgID,
		PeriodStart:    e.PeriodStart,
		ThresholdCents: e.ThresholdCents,
		AmountCents:    e.AmountCents,
		StripeChargeID: e.StripeChargeID,
		Status:         string(e.Status),
		LastError:      e.LastError,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// OverageChargeRepository implements the billing.OverageChargeRepository interface
type OverageChargeRepository struct {
	db *gorm.DB
}

// NewOverageChargeRepository creates a new overage charge repository
func NewOverageChargeRepository(db *gorm.DB) *OverageChargeRepository {
	return &OverageChargeRepository{db: db}
}

// UpsertIncrement adds count to the (org, period, resource) accumulator,
// creating the row if absent. The increment itself is a single atomic upsert;
// the derived overage and charge columns are recomputed from the
// post-increment usage afterwards, so concurrent increments always converge
// on values derived from the summed usage.
func (r *OverageChargeRepository) UpsertIncrement(ctx context.Context, charge *billing.OverageCharge, count int64) (*billing.OverageCharge, error) {
	model := OverageChargeModelFromEntity(charge)
	model.ActualUsage = count

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}, {Name: "period_start"}, {Name: "resource_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"actual_usage": gorm.Expr("actual_usage + ?", count),
			"updated_at":   time.Now(),
		}),
	}).Create(model).Error
	if err != nil {
		return nil, err
	}

	// Reload the summed row and persist the recomputed derived columns
	current, err := r.Find(ctx, charge.OrgID, charge.PeriodStart, charge.ResourceType)
	if err != nil {
		return nil, err
	}
	current.Recalculate()

	err = r.db.WithContext(ctx).
		Model(&OverageChargeModel{}).
		Where("id = ?", current.ID).
		Updates(map[string]interface{}{
			"overage_amount":     current.OverageAmount,
			"total_charge_cents": current.TotalChargeCents,
			"updated_at":         current.UpdatedAt,
		}).Error
	if err != nil {
		return nil, err
	}

	return current, nil
}

// Find loads the accumulator for a key
func (r *OverageChargeRepository) Find(ctx context.Context, orgID uuid.UUID, periodStart time.Time, resource billing.ResourceType) (*billing.OverageCharge, error) {
	var model OverageChargeModel
	err := r.db.WithContext(ctx).First(&model,
		"org_id = ? AND period_start = ? AND resource_type = ?",
		orgID, periodStart, string(resource)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByOrg lists accumulators for an organization, newest period first
func (r *OverageChargeRepository) FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.OverageCharge, error) {
	var models []OverageChargeModel
	err := r.db.WithContext(ctx).
		Scopes(orgscope.OrgScope(orgID)).
		Order("period_start DESC, resource_type ASC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	charges := make([]*billing.OverageCharge, len(models))
	for i := range models {
		charges[i] = models[i].ToEntity()
	}
	return charges, nil
}

// UpdateStatus transitions a charge's billing status
func (r *OverageChargeRepository) UpdateStatus(ctx context.Context, chargeID uuid.UUID, status billing.OverageChargeStatus) error {
	result := r.db.WithContext(ctx).
		Model(&OverageChargeModel{}).
		Where("id = ?", chargeID).
		Updates(map[string]interface{}{
			"status":     string(status),
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

// CreateInstantChargeOnce inserts the instant charge. The unique
// (org, period_start, threshold_cents) index makes the crossing fire exactly
// once no matter how many usage events race over the threshold.
func (r *OverageChargeRepository) CreateInstantChargeOnce(ctx context.Context, charge *billing.InstantCharge) error {
	model := InstantChargeModelFromEntity(charge)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "period_start"}, {Name: "threshold_cents"}},
			DoNothing: true,
		}).
		Create(model)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrAlreadyExists
	}
	return nil
}

// UpdateInstantCharge persists provider submission state
func (r *OverageChargeRepository) UpdateInstantCharge(ctx context.Context, charge *billing.InstantCharge) error {
	result := r.db.WithContext(ctx).
		Model(&InstantChargeModel{}).
		Where("id = ?", charge.ID).
		Updates(map[string]interface{}{
			"stripe_charge_id": charge.StripeChargeID,
			"status":           string(charge.Status),
			"last_error":       charge.LastError,
			"updated_at":       charge.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindInstantCharges lists instant charges for an organization period
func (r *OverageChargeRepository) FindInstantCharges(ctx context.Context, orgID uuid.UUID, periodStart time.Time) ([]*billing.InstantCharge, error) {
	var models []InstantChargeModel
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND period_start = ?", orgID, periodStart).
		Order("threshold_cents ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	charges := make([]*billing.InstantCharge, len(models))
	for i := range models {
		charges[i] = models[i].ToEntity()
	}
	return charges, nil
}

// FindFailedInstantCharges lists terminally failed charges, oldest first
func (r *OverageChargeRepository) FindFailedInstantCharges(ctx context.Context, limit int) ([]*billing.InstantCharge, error) {
	var models []InstantChargeModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(billing.InstantChargeFailed)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	charges := make([]*billing.InstantCharge, len(models))
	for i := range models {
		charges[i] = models[i].ToEntity()
	}
	return charges, nil
}

// Ensure OverageChargeRepository implements the interface
var _ billing.OverageChargeRepository = (*OverageChargeRepository)(nil)
