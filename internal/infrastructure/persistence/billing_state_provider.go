package persistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// BillingStateProvider answers the gauge queries the periodic metrics
// collector asks: how many orgs are paused, how many scheduled downgrades
// are still waiting for a worker.
type BillingStateProvider struct {
	db *gorm.DB
}

// NewBillingStateProvider creates a new state provider
func NewBillingStateProvider(db *gorm.DB) *BillingStateProvider {
	return &BillingStateProvider{db: db}
}

// GetPausedOrgCount returns the number of organizations currently paused
func (p *BillingStateProvider) GetPausedOrgCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&OrganizationModel{}).
		Where("is_paused = ?", true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count paused organizations: %w", err)
	}
	return count, nil
}

// GetPendingDowngradeCount returns the number of unclaimed scheduled downgrades
func (p *BillingStateProvider) GetPendingDowngradeCount(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&SubscriptionModel{}).
		Where("downgrade_scheduled_at IS NOT NULL").
		Where("downgrade_processing = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pending downgrades: %w", err)
	}
	return count, nil
}
