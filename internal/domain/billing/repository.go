package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OrganizationRepository persists organizations
type OrganizationRepository interface {
	// Save creates a new organization
	Save(ctx context.Context, org *Organization) error

	// UpdateWithLock writes the organization guarded by WHERE
	// tier_version = readTierVersion. Returns shared.ErrConcurrencyConflict
	// when zero rows are affected.
	UpdateWithLock(ctx context.Context, org *Organization, readTierVersion int) error

	// FindByID loads an organization
	FindByID(ctx context.Context, id uuid.UUID) (*Organization, error)

	// SetPaused flips only the pause fields. Used by the spend-cap enforcer,
	// which is the sole writer of the flag.
	SetPaused(ctx context.Context, orgID uuid.UUID, paused bool, reason string) error

	// FindPaused returns IDs of currently paused organizations
	FindPaused(ctx context.Context) ([]uuid.UUID, error)
}

// SubscriptionRepository persists subscriptions and implements the claim
// operations used by the scheduled-downgrade worker
type SubscriptionRepository interface {
	// Save creates a new subscription
	Save(ctx context.Context, sub *Subscription) error

	// UpdateWithLock writes the subscription guarded by WHERE version =
	// readVersion. Returns shared.ErrConcurrencyConflict on zero rows.
	UpdateWithLock(ctx context.Context, sub *Subscription, readVersion int) error

	// FindByID loads a subscription
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// FindByOrgID loads the one-per-organization subscription
	FindByOrgID(ctx context.Context, orgID uuid.UUID) (*Subscription, error)

	// FindByStripeSubscriptionID resolves the provider's subscription ref
	FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*Subscription, error)

	// FindByStripeCustomerID resolves the provider's customer ref
	FindByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*Subscription, error)

	// FindDueDowngrades returns unclaimed subscriptions whose scheduled
	// downgrade is due at or before now
	FindDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	// ClaimDowngrade atomically sets downgrade_processing = true where it was
	// false. Returns shared.ErrClaimConflict when the row was already claimed
	// or the downgrade no longer exists.
	ClaimDowngrade(ctx context.Context, subID uuid.UUID) error

	// ReleaseDowngradeClaim clears the processing flag, keeping or clearing
	// the target depending on whether the downgrade was applied
	ReleaseDowngradeClaim(ctx context.Context, subID uuid.UUID, clearTarget bool) error

	// CancelScheduledDowngrade clears the target where the row is unclaimed.
	// Returns shared.ErrClaimConflict when the worker already claimed it.
	CancelScheduledDowngrade(ctx context.Context, subID uuid.UUID) error

	// ResetStaleClaims releases processing claims older than olderThan and
	// returns the number of rows recovered
	ResetStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// WebhookEventRepository is the idempotency registry for inbound events
type WebhookEventRepository interface {
	// Insert registers a newly seen event. Returns shared.ErrAlreadyExists
	// when the (source, event_id) pair is already registered.
	Insert(ctx context.Context, event *WebhookEvent) error

	// FindByKey loads the registry row for an idempotency key
	FindByKey(ctx context.Context, source, eventID string) (*WebhookEvent, error)

	// Reclaim atomically moves an expired processing claim back to
	// processing under the caller, marking the old claim timeout_recovered
	// first. Returns shared.ErrClaimConflict if another worker got there.
	Reclaim(ctx context.Context, source, eventID string, claimedBefore time.Time) error

	// MarkCompleted finalizes a successfully applied event
	MarkCompleted(ctx context.Context, source, eventID string) error

	// MarkFailed records a terminal failure with the error message attached
	MarkFailed(ctx context.Context, source, eventID string, lastError string) error

	// ReleaseExpired moves processing claims started before claimedBefore to
	// timeout_recovered and returns the number of rows released
	ReleaseExpired(ctx context.Context, claimedBefore time.Time) (int64, error)

	// FindFailed lists failed events for operator replay
	FindFailed(ctx context.Context, limit int) ([]*WebhookEvent, error)
}

// OverageChargeRepository persists per-period overage accumulators and
// threshold-triggered instant charges
type OverageChargeRepository interface {
	// UpsertIncrement adds count to the (org, period, resource) accumulator,
	// creating the row if absent, and returns the post-increment state. The
	// increment is atomic at the storage layer.
	UpsertIncrement(ctx context.Context, charge *OverageCharge, count int64) (*OverageCharge, error)

	// Find loads the accumulator for a key
	Find(ctx context.Context, orgID uuid.UUID, periodStart time.Time, resource ResourceType) (*OverageCharge, error)

	// FindByOrg lists accumulators for an organization, newest period first
	FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*OverageCharge, error)

	// UpdateStatus transitions a charge's billing status
	UpdateStatus(ctx context.Context, chargeID uuid.UUID, status OverageChargeStatus) error

	// CreateInstantChargeOnce inserts the instant charge, relying on the
	// (org, period_start, threshold_cents) uniqueness to guarantee at most
	// one per crossing. Returns shared.ErrAlreadyExists if it was created
	// before.
	CreateInstantChargeOnce(ctx context.Context, charge *InstantCharge) error

	// UpdateInstantCharge persists provider submission state
	UpdateInstantCharge(ctx context.Context, charge *InstantCharge) error

	// FindInstantCharges lists instant charges for an organization period
	FindInstantCharges(ctx context.Context, orgID uuid.UUID, periodStart time.Time) ([]*InstantCharge, error)

	// FindFailedInstantCharges lists charges whose provider submission
	// failed terminally, oldest first, for replay
	FindFailedInstantCharges(ctx context.Context, limit int) ([]*InstantCharge, error)
}

// SpendCapRepository persists spend caps
type SpendCapRepository interface {
	// Save creates or replaces the one-per-organization cap
	Save(ctx context.Context, cap *SpendCap) error

	// FindByOrgID loads the cap, shared.ErrNotFound when none is configured
	FindByOrgID(ctx context.Context, orgID uuid.UUID) (*SpendCap, error)

	// AddSpend atomically increments current_period_spend_cents and returns
	// the post-increment cap state
	AddSpend(ctx context.Context, orgID uuid.UUID, cents int64) (*SpendCap, error)

	// SetPaused flips only is_paused for the cap row
	SetPaused(ctx context.Context, orgID uuid.UUID, paused bool) error

	// Delete removes the cap configuration
	Delete(ctx context.Context, orgID uuid.UUID) error

	// FindOverCapUnpaused returns caps that should be paused but are not,
	// e.g. after an override expired between usage events
	FindOverCapUnpaused(ctx context.Context, now time.Time, limit int) ([]*SpendCap, error)
}

// BillingEventRepository is the append-only ledger. There is deliberately no
// update or delete operation.
type BillingEventRepository interface {
	// Append writes a ledger entry
	Append(ctx context.Context, event *BillingEvent) error

	// Query lists ledger entries matching the filter, newest first
	Query(ctx context.Context, filter LedgerFilter) ([]*BillingEvent, error)

	// CountByProviderEvent counts entries referencing a provider event id,
	// used to verify replay produced exactly one entry
	CountByProviderEvent(ctx context.Context, providerEventID string) (int64, error)
}

// TierChangeAuditRepository persists tier transition audit rows
type TierChangeAuditRepository interface {
	// Save writes an audit row
	Save(ctx context.Context, audit *TierChangeAudit) error

	// FindByOrg lists audit rows for an organization, newest first
	FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*TierChangeAudit, error)
}

// UnitOfWork runs fn with repository implementations bound to one storage
// transaction, so a tier mutation and its ledger/audit rows commit together.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error
}

// TxRepositories is the set of repositories available inside a unit of work
type TxRepositories struct {
	Organizations OrganizationRepository
	Subscriptions SubscriptionRepository
	Overages      OverageChargeRepository
	SpendCaps     SpendCapRepository
	Ledger        BillingEventRepository
	TierAudits    TierChangeAuditRepository
}
