package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionModel is the GORM model for subscriptions
type SubscriptionModel struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID                uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	StripeSubscriptionID string    `gorm:"type:varchar(255);index"`
	StripeCustomerID     string    `gorm:"type:varchar(255);index"`
	Status               string    `gorm:"type:varchar(20);not null;default:'active'"`
	Tier                 string    `gorm:"type:varchar(20);not null"`
	StripeEventTimestamp *time.Time
	LastSyncedAt         *time.Time
	CurrentPeriodStart   time.Time `gorm:"not null"`
	CurrentPeriodEnd     time.Time `gorm:"not null"`

	DowngradeTargetTier  *string    `gorm:"type:varchar(20)"`
	DowngradeScheduledAt *time.Time `gorm:"index"`
	DowngradeProcessing  bool       `gorm:"not null;default:false"`
	DowngradeClaimedAt   *time.Time

	AdminTrialTier      *string `gorm:"type:varchar(20)"`
	AdminTrialExpiresAt *time.Time
	AdminTrialGrantedBy *uuid.UUID `gorm:"type:uuid"`

	CanceledAt *time.Time
	Version    int       `gorm:"not null;default:1"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// ToEntity converts the model to a domain entity
func (m *SubscriptionModel) ToEntity() *billing.Subscription {
	sub := &billing.Subscription{
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
		StripeSubscriptionID: m.StripeSubscriptionID,
		StripeCustomerID:     m.StripeCustomerID,
		Status:               billing.SubscriptionStatus(m.Status),
		Tier:                 billing.Tier(m.Tier),
		StripeEventTimestamp: m.StripeEventTimestamp,
		LastSyncedAt:         m.LastSyncedAt,
		CurrentPeriodStart:   m.CurrentPeriodStart,
		CurrentPeriodEnd:     m.CurrentPeriodEnd,
		Downgrade: billing.ScheduledDowngrade{
			ScheduledAt: m.DowngradeScheduledAt,
			Processing:  m.DowngradeProcessing,
			ClaimedAt:   m.DowngradeClaimedAt,
		},
		AdminTrialExpiresAt: m.AdminTrialExpiresAt,
		AdminTrialGrantedBy: m.AdminTrialGrantedBy,
		CanceledAt:          m.CanceledAt,
	}

	if m.DowngradeTargetTier != nil {
		t := billing.Tier(*m.DowngradeTargetTier)
		sub.Downgrade.TargetTier = &t
	}
	if m.AdminTrialTier != nil {
		t := billing.Tier(*m.AdminTrialTier)
		sub.AdminTrialTier = &t
	}
	return sub
}

// SubscriptionModelFromEntity creates a model from a domain entity
func SubscriptionModelFromEntity(e *billing.Subscription) *SubscriptionModel {
	m := &SubscriptionModel{
		ID:                   e.ID,
		OrgID:                e.OrgID,
		StripeSubscriptionID: e.StripeSubscriptionID,
		StripeCustomerID:     e.StripeCustomerID,
		Status:               string(e.Status),
		Tier:                 string(e.Tier),
		StripeEventTimestamp: e.StripeEventTimestamp,
		LastSyncedAt:         e.LastSyncedAt,
		CurrentPeriodStart:   e.CurrentPeriodStart,
		CurrentPeriodEnd:     e.CurrentPeriodEnd,
		DowngradeScheduledAt: e.Downgrade.ScheduledAt,
		DowngradeProcessing:  e.Downgrade.Processing,
		DowngradeClaimedAt:   e.Downgrade.ClaimedAt,
		AdminTrialExpiresAt:  e.AdminTrialExpiresAt,
		AdminTrialGrantedBy:  e.AdminTrialGrantedBy,
		CanceledAt:           e.CanceledAt,
		Version:              e.Version,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}

	if e.Downgrade.TargetTier != nil {
		s := string(*e.Downgrade.TargetTier)
		m.DowngradeTargetTier = &s
	}
	if e.AdminTrialTier != nil {
		s := string(*e.AdminTrialTier)
		m.AdminTrialTier = &s
	}
	return m
}

// SubscriptionRepository implements the billing.SubscriptionRepository interface
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Save persists a new subscription
func (r *SubscriptionRepository) Save(ctx context.Context, sub *billing.Subscription) error {
	model := SubscriptionModelFromEntity(sub)
	return r.db.WithContext(ctx).Create(model).Error
}

// UpdateWithLock writes the subscription guarded by the version read at load
// time. Zero rows affected means a concurrent writer won. The downgrade claim
// fields are excluded: they are mutated only through the claim operations.
func (r *SubscriptionRepository) UpdateWithLock(ctx context.Context, sub *billing.Subscription, readVersion int) error {
	model := SubscriptionModelFromEntity(sub)
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ? AND version = ?", sub.ID, readVersion).
		Updates(map[string]interface{}{
			"stripe_subscription_id": model.StripeSubscriptionID,
			"stripe_customer_id":     model.StripeCustomerID,
			"status":                 model.Status,
			"tier":                   model.Tier,
			"stripe_event_timestamp": model.StripeEventTimestamp,
			"last_synced_at":         model.LastSyncedAt,
			"current_period_start":   model.CurrentPeriodStart,
			"current_period_end":     model.CurrentPeriodEnd,
			"downgrade_target_tier":  model.DowngradeTargetTier,
			"downgrade_scheduled_at": model.DowngradeScheduledAt,
			"admin_trial_tier":       model.AdminTrialTier,
			"admin_trial_expires_at": model.AdminTrialExpiresAt,
			"admin_trial_granted_by": model.AdminTrialGrantedBy,
			"canceled_at":            model.CanceledAt,
			"version":                readVersion + 1,
			"updated_at":             model.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	sub.Version = readVersion + 1
	return nil
}

// FindByID retrieves a subscription by its ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByOrgID retrieves the one-per-organization subscription
func (r *SubscriptionRepository) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*billing.Subscription, error) {
	return r.findOne(ctx, "org_id = ?", orgID)
}

// FindByStripeSubscriptionID resolves the provider's subscription reference
func (r *SubscriptionRepository) FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*billing.Subscription, error) {
	return r.findOne(ctx, "stripe_subscription_id = ?", stripeSubID)
}

// FindByStripeCustomerID resolves the provider's customer reference
func (r *SubscriptionRepository) FindByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	return r.findOne(ctx, "stripe_customer_id = ?", stripeCustomerID)
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, arg interface{}) (*billing.Subscription, error) {
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, query, arg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindDueDowngrades returns unclaimed subscriptions whose scheduled downgrade
// is due at or before now
func (r *SubscriptionRepository) FindDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	var models []SubscriptionModel
	err := r.db.WithContext(ctx).
		Where("downgrade_target_tier IS NOT NULL").
		Where("downgrade_scheduled_at <= ?", now).
		Where("downgrade_processing = ?", false).
		Order("downgrade_scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	subs := make([]*billing.Subscription, len(models))
	for i := range models {
		subs[i] = models[i].ToEntity()
	}
	return subs, nil
}

// ClaimDowngrade atomically claims a scheduled downgrade for processing.
// The conditional update on downgrade_processing is the mutual exclusion:
// exactly one of N concurrent claimers sees RowsAffected == 1.
func (r *SubscriptionRepository) ClaimDowngrade(ctx context.Context, subID uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ?", subID).
		Where("downgrade_target_tier IS NOT NULL").
		Where("downgrade_processing = ?", false).
		Updates(map[string]interface{}{
			"downgrade_processing": true,
			"downgrade_claimed_at": now,
			"updated_at":           now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrClaimConflict
	}
	return nil
}

// ReleaseDowngradeClaim clears the processing flag. When clearTarget is true
// the downgrade fields are reset too (the downgrade was applied or abandoned);
// otherwise the schedule survives for a later retry.
func (r *SubscriptionRepository) ReleaseDowngradeClaim(ctx context.Context, subID uuid.UUID, clearTarget bool) error {
	updates := map[string]interface{}{
		"downgrade_processing": false,
		"downgrade_claimed_at": nil,
		"updated_at":           time.Now(),
	}
	if clearTarget {
		updates["downgrade_target_tier"] = nil
		updates["downgrade_scheduled_at"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ?", subID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CancelScheduledDowngrade clears an unclaimed downgrade. If the worker
// already claimed the row the cancel loses the race and the caller gets
// shared.ErrClaimConflict.
func (r *SubscriptionRepository) CancelScheduledDowngrade(ctx context.Context, subID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("id = ?", subID).
		Where("downgrade_target_tier IS NOT NULL").
		Where("downgrade_processing = ?", false).
		Updates(map[string]interface{}{
			"downgrade_target_tier":  nil,
			"downgrade_scheduled_at": nil,
			"updated_at":             time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Zero rows: distinguish a claimed row from a missing downgrade
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", subID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return shared.ErrNotFound
		}
		return err
	}
	if model.DowngradeProcessing {
		return shared.ErrClaimConflict
	}
	return shared.ErrNotFound
}

// ResetStaleClaims releases processing claims older than olderThan. Claims
// left behind by a crashed worker become eligible for the next scan.
func (r *SubscriptionRepository) ResetStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("downgrade_processing = ?", true).
		Where("downgrade_claimed_at < ?", olderThan).
		Updates(map[string]interface{}{
			"downgrade_processing": false,
			"downgrade_claimed_at": nil,
			"updated_at":           time.Now(),
		})

	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Ensure SubscriptionRepository implements the interface
var _ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)
