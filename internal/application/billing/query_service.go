package billing

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntitlementSnapshot is the read model served to the product's serving layer
type EntitlementSnapshot struct {
	OrgID        uuid.UUID                      `json:"org_id"`
	Tier         billing.Tier                   `json:"tier"`
	TierVersion  int                            `json:"tier_version"`
	Modifier     billing.TierModifier           `json:"modifier"`
	Limits       map[billing.ResourceType]int64 `json:"limits"`
	IsPaused     bool                           `json:"is_paused"`
	PauseReason  string                         `json:"pause_reason,omitempty"`
	Subscription *SubscriptionSummary           `json:"subscription,omitempty"`
	SnapshotAt   time.Time                      `json:"snapshot_at"`
}

// SubscriptionSummary is the subscription slice of the entitlement snapshot
type SubscriptionSummary struct {
	Status             billing.SubscriptionStatus `json:"status"`
	Tier               billing.Tier               `json:"tier"`
	CurrentPeriodStart time.Time                  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                  `json:"current_period_end"`
	PendingDowngrade   *PendingDowngrade          `json:"pending_downgrade,omitempty"`
	AdminTrialTier     *billing.Tier              `json:"admin_trial_tier,omitempty"`
	AdminTrialExpires  *time.Time                 `json:"admin_trial_expires,omitempty"`
}

// PendingDowngrade describes a scheduled, not yet executed downgrade
type PendingDowngrade struct {
	TargetTier  billing.Tier `json:"target_tier"`
	EffectiveAt time.Time    `json:"effective_at"`
}

// QueryService is the read-only surface over billing state. It never mutates;
// all writes go through the services that own each aggregate.
type QueryService struct {
	orgs     billing.OrganizationRepository
	subs     billing.SubscriptionRepository
	overages billing.OverageChargeRepository
	caps     billing.SpendCapRepository
	ledger   billing.BillingEventRepository
	events   billing.WebhookEventRepository
	logger   *zap.Logger
}

// NewQueryService creates a new QueryService
func NewQueryService(
	orgs billing.OrganizationRepository,
	subs billing.SubscriptionRepository,
	overages billing.OverageChargeRepository,
	caps billing.SpendCapRepository,
	ledger billing.BillingEventRepository,
	events billing.WebhookEventRepository,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		orgs:     orgs,
		subs:     subs,
		overages: overages,
		caps:     caps,
		ledger:   ledger,
		events:   events,
		logger:   logger,
	}
}

// GetEntitlements assembles the full entitlement snapshot for an organization
func (s *QueryService) GetEntitlements(ctx context.Context, orgID uuid.UUID) (*EntitlementSnapshot, error) {
	org, err := s.orgs.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	limits := make(map[billing.ResourceType]int64)
	for _, resource := range billing.AllResourceTypes() {
		limits[resource] = org.EffectiveLimit(resource)
	}

	snapshot := &EntitlementSnapshot{
		OrgID:       org.ID,
		Tier:        org.Tier,
		TierVersion: org.TierVersion,
		Modifier:    org.Modifier,
		Limits:      limits,
		IsPaused:    org.IsPaused,
		PauseReason: org.PauseReason,
		SnapshotAt:  time.Now(),
	}

	sub, err := s.subs.FindByOrgID(ctx, orgID)
	if err == shared.ErrNotFound {
		return snapshot, nil
	}
	if err != nil {
		return nil, err
	}

	summary := &SubscriptionSummary{
		Status:             sub.Status,
		Tier:               sub.Tier,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		AdminTrialTier:     sub.AdminTrialTier,
		AdminTrialExpires:  sub.AdminTrialExpiresAt,
	}
	if sub.Downgrade.IsPending() && sub.Downgrade.ScheduledAt != nil {
		summary.PendingDowngrade = &PendingDowngrade{
			TargetTier:  *sub.Downgrade.TargetTier,
			EffectiveAt: *sub.Downgrade.ScheduledAt,
		}
	}
	snapshot.Subscription = summary
	return snapshot, nil
}

// GetOverageHistory pages through the organization's overage accumulators
func (s *QueryService) GetOverageHistory(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.OverageCharge, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.overages.FindByOrg(ctx, orgID, limit, offset)
}

// GetInstantCharges lists the threshold-triggered charges for a period
func (s *QueryService) GetInstantCharges(ctx context.Context, orgID uuid.UUID, periodStart time.Time) ([]*billing.InstantCharge, error) {
	return s.overages.FindInstantCharges(ctx, orgID, periodStart)
}

// GetSpendCap returns the spend cap, or ErrNotFound when none is configured
func (s *QueryService) GetSpendCap(ctx context.Context, orgID uuid.UUID) (*billing.SpendCap, error) {
	return s.caps.FindByOrgID(ctx, orgID)
}

// QueryLedger reads ledger entries matching the filter
func (s *QueryService) QueryLedger(ctx context.Context, filter billing.LedgerFilter) ([]*billing.BillingEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.ledger.Query(ctx, filter)
}

// GetFailedWebhookEvents lists terminally failed deliveries for operator replay
func (s *QueryService) GetFailedWebhookEvents(ctx context.Context, limit int) ([]*billing.WebhookEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.events.FindFailed(ctx, limit)
}
