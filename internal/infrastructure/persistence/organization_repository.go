package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrganizationModel is the GORM model for organizations
type OrganizationModel struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Name             string           `gorm:"type:varchar(255);not null"`
	Tier             string           `gorm:"type:varchar(20);not null;default:'free'"`
	TierVersion      int              `gorm:"not null;default:1"`
	Modifier         string           `gorm:"type:varchar(40);not null;default:'none'"`
	OveragesDisabled bool             `gorm:"not null;default:false"`
	IsPaused         bool             `gorm:"not null;default:false;index"`
	PausedAt         *time.Time
	PauseReason      string           `gorm:"type:text"`
	CustomLimits     map[string]int64 `gorm:"type:jsonb;serializer:json"`
	Status           string           `gorm:"type:varchar(20);not null;default:'active'"`
	Version          int              `gorm:"not null;default:1"`
	CreatedAt        time.Time        `gorm:"autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (OrganizationModel) TableName() string {
	return "organizations"
}

// ToEntity converts the model to a domain entity
func (m *OrganizationModel) ToEntity() *billing.Organization {
	var limits map[billing.ResourceType]int64
	if len(m.CustomLimits) > 0 {
		limits = make(map[billing.ResourceType]int64, len(m.CustomLimits))
		for k, v := range m.CustomLimits {
			limits[billing.ResourceType(k)] = v
		}
	}

	return &billing.Organization{
		BaseAggregateRoot: shared.BaseAggregateRoot{
			BaseEntity: shared.BaseEntity{
				ID:        m.ID,
				CreatedAt: m.CreatedAt,
				UpdatedAt: m.UpdatedAt,
			},
			Version: m.Version,
		},
		Name:             m.Name,
		Tier:             billing.Tier(m.Tier),
		TierVersion:      m.TierVersion,
		Modifier:         billing.TierModifier(m.Modifier),
		OveragesDisabled: m.OveragesDisabled,
		IsPaused:         m.IsPaused,
		PausedAt:         m.PausedAt,
		PauseReason:      m.PauseReason,
		CustomLimits:     limits,
		Status:           billing.OrganizationStatus(m.Status),
	}
}

// OrganizationModelFromEntity creates a model from a domain entity
func OrganizationModelFromEntity(e *billing.Organization) *OrganizationModel {
	var limits map[string]int64
	if len(e.CustomLimits) > 0 {
		limits = make(map[string]int64, len(e.CustomLimits))
		for k, v := range e.CustomLimits {
			limits[string(k)] = v
		}
	}

	return &OrganizationModel{
		ID:               e.ID,
		Name:             e.Name,
		Tier:             string(e.Tier),
		TierVersion:      e.TierVersion,
		Modifier:         string(e.Modifier),
		OveragesDisabled: e.OveragesDisabled,
		IsPaused:         e.IsPaused,
		PausedAt:         e.PausedAt,
		PauseReason:      e.PauseReason,
		CustomLimits:     limits,
		Status:           string(e.Status),
		Version:          e.Version,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

// OrganizationRepository implements the billing.OrganizationRepository interface
type OrganizationRepository struct {
	db *gorm.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *gorm.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// Save persists a new organization
func (r *OrganizationRepository) Save(ctx context.Context, org *billing.Organization) error {
	model := OrganizationModelFromEntity(org)
	return r.db.WithContext(ctx).Create(model).Error
}

// UpdateWithLock writes the organization guarded by the tier version read at
// load time. Zero rows affected means a concurrent writer won.
func (r *OrganizationRepository) UpdateWithLock(ctx context.Context, org *billing.Organization, readTierVersion int) error {
	model := OrganizationModelFromEntity(org)
	result := r.db.WithContext(ctx).
		Model(&OrganizationModel{}).
		Where("id = ? AND tier_version = ?", org.ID, readTierVersion).
		Updates(map[string]interface{}{
			"name":              model.Name,
			"tier":              model.Tier,
			"tier_version":      model.TierVersion,
			"modifier":          model.Modifier,
			"overages_disabled": model.OveragesDisabled,
			"custom_limits":     model.CustomLimits,
			"status":            model.Status,
			"updated_at":        model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves an organization by its ID
func (r *OrganizationRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Organization, error) {
	var model OrganizationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// SetPaused flips only the pause fields. The spend-cap enforcer is the sole
// caller, so the write deliberately skips the tier version guard.
func (r *OrganizationRepository) SetPaused(ctx context.Context, orgID uuid.UUID, paused bool, reason string) error {
	updates := map[string]interface{}{
		"is_paused":  paused,
		"updated_at": time.Now(),
	}
	if paused {
		updates["paused_at"] = time.Now()
		updates["pause_reason"] = reason
	} else {
		updates["paused_at"] = nil
		updates["pause_reason"] = ""
	}

	result := r.db.WithContext(ctx).
		Model(&OrganizationModel{}).
		Where("id = ?", orgID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindPaused returns IDs of currently paused organizations
func (r *OrganizationRepository) FindPaused(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&OrganizationModel{}).
		Where("is_paused = ?", true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Ensure OrganizationRepository implements the interface
var _ billing.OrganizationRepository = (*OrganizationRepository)(nil)
