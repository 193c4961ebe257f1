package billing

import (
	"context"
	"testing"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type queryServiceMocks struct {
	orgs     *MockOrganizationRepository
	subs     *MockSubscriptionRepository
	overages *MockOverageChargeRepository
	caps     *MockSpendCapRepository
	ledger   *MockBillingEventRepository
	events   *MockWebhookEventRepository
}

func newQueryService() (*QueryService, *queryServiceMocks) {
	m := &queryServiceMocks{
		orgs:     new(MockOrganizationRepository),
		subs:     new(MockSubscriptionRepository),
		overages: new(MockOverageChargeRepository),
		caps:     new(MockSpendCapRepository),
		ledger:   new(MockBillingEventRepository),
		events:   new(MockWebhookEventRepository),
	}
	svc := NewQueryService(m.orgs, m.subs, m.overages, m.caps, m.ledger, m.events, newTestLogger())
	return svc, m
}

func TestQueryService_GetEntitlements_FullSnapshot(t *testing.T) {
	svc, m := newQueryService()
	ctx := context.Background()

	org := newTestOrg(billing.TierPro)
	sub := newTestSubscription(org.ID, billing.TierPro)
	target := billing.TierFree
	scheduledAt := time.Now().Add(72 * time.Hour)
	sub.Downgrade = billing.ScheduledDowngrade{
		TargetTier:  &target,
		ScheduledAt: &scheduledAt,
	}

	m.orgs.On("FindByID", ctx, org.ID).Return(org, nil)
	m.subs.On("FindByOrgID", ctx, org.ID).Return(sub, nil)

	snapshot, err := svc.GetEntitlements(ctx, org.ID)

	assert.NoError(t, err)
	assert.Equal(t, billing.TierPro, snapshot.Tier)
	assert.Equal(t, org.TierVersion, snapshot.TierVersion)
	assert.False(t, snapshot.IsPaused)
	assert.Len(t, snapshot.Limits, len(billing.AllResourceTypes()))
	assert.Equal(t, org.EffectiveLimit(billing.ResourceAPICalls), snapshot.Limits[billing.ResourceAPICalls])
	if assert.NotNil(t, snapshot.Subscription) {
		assert.Equal(t, billing.TierPro, snapshot.Subscription.Tier)
		if assert.NotNil(t, snapshot.Subscription.PendingDowngrade) {
			assert.Equal(t, billing.TierFree, snapshot.Subscription.PendingDowngrade.TargetTier)
		}
	}
}

func TestQueryService_GetEntitlements_NoSubscription(t *testing.T) {
	svc, m := newQueryService()
	ctx := context.Background()

	org := newTestOrg(billing.TierFree)
	m.orgs.On("FindByID", ctx, org.ID).Return(org, nil)
	m.subs.On("FindByOrgID", ctx, org.ID).Return(nil, shared.ErrNotFound)

	snapshot, err := svc.GetEntitlements(ctx, org.ID)

	assert.NoError(t, err)
	assert.Nil(t, snapshot.Subscription)
	assert.Equal(t, billing.TierFree, snapshot.Tier)
}

func TestQueryService_GetEntitlements_PausedOrg(t *testing.T) {
	svc, m := newQueryService()
	ctx := context.Background()

	org := newTestOrg(billing.TierPro)
	org.Pause("spend cap exceeded")

	m.orgs.On("FindByID", ctx, org.ID).Return(org, nil)
	m.subs.On("FindByOrgID", ctx, org.ID).Return(nil, shared.ErrNotFound)

	snapshot, err := svc.GetEntitlements(ctx, org.ID)

	assert.NoError(t, err)
	assert.True(t, snapshot.IsPaused)
	assert.Equal(t, "spend cap exceeded", snapshot.PauseReason)
}

func TestQueryService_GetOverageHistory_ClampsLimit(t *testing.T) {
	svc, m := newQueryService()
	ctx := context.Background()
	orgID := newUUID()

	m.overages.On("FindByOrg", ctx, orgID, 50, 0).Return([]*billing.OverageCharge{}, nil)

	_, err := svc.GetOverageHistory(ctx, orgID, 10_000, 0)

	assert.NoError(t, err)
	m.overages.AssertExpectations(t)
}

func TestQueryService_QueryLedger_DefaultsLimit(t *testing.T) {
	svc, m := newQueryService()
	ctx := context.Background()
	orgID := newUUID()

	m.ledger.On("Query", ctx, mock.MatchedBy(func(filter billing.LedgerFilter) bool {
		return filter.Limit == 100 && filter.OrgID != nil && *filter.OrgID == orgID
	})).Return([]*billing.BillingEvent{}, nil)

	_, err := svc.QueryLedger(ctx, billing.LedgerFilter{OrgID: &orgID})

	assert.NoError(t, err)
	m.ledger.AssertExpectations(t)
}
