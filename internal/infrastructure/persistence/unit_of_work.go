package persistence

import (
	"context"

	"github.com/entitle/backend/internal/domain/billing"
	"gorm.io/gorm"
)

// GormUnitOfWork implements billing.UnitOfWork on a GORM transaction.
// Repositories handed to fn share one transaction, so a tier mutation and
// its ledger and audit rows commit or roll back together.
type GormUnitOfWork struct {
	db *gorm.DB
}

// NewGormUnitOfWork creates a new unit of work
func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

// Execute runs fn inside a transaction with transaction-bound repositories
func (u *GormUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, repos billing.TxRepositories) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := billing.TxRepositories{
			Organizations: NewOrganizationRepository(tx),
			Subscriptions: NewSubscriptionRepository(tx),
			Overages:      NewOverageChargeRepository(tx),
			SpendCaps:     NewSpendCapRepository(tx),
			Ledger:        NewBillingEventRepository(tx),
			TierAudits:    NewTierChangeAuditRepository(tx),
		}
		return fn(ctx, repos)
	})
}

// Ensure GormUnitOfWork implements the interface
var _ billing.UnitOfWork = (*GormUnitOfWork)(nil)
