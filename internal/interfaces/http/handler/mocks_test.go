package handler

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// withAuthContext injects the claims the auth middleware would set
func withAuthContext(orgID, subjectID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AuthOrgIDKey, orgID.String())
		c.Set(middleware.AuthSubjectKey, subjectID.String())
		c.Next()
	}
}

func newTestOrg(tier billing.Tier) *billing.Organization {
	org, _ := billing.NewOrganization("Acme")
	org.Tier = tier
	return org
}

func newTestSubscription(orgID uuid.UUID, tier billing.Tier) *billing.Subscription {
	sub, _ := billing.NewSubscription(orgID, "sub_123", "cus_123", tier,
		time.Now().Add(-24*time.Hour), time.Now().Add(30*24*time.Hour))
	return sub
}

// MockOrganizationRepository is a mock implementation of OrganizationRepository
type MockOrganizationRepository struct {
	mock.Mock
}

func (m *MockOrganizationRepository) Save(ctx context.Context, org *billing.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

func (m *MockOrganizationRepository) UpdateWithLock(ctx context.Context, org *billing.Organization, readTierVersion int) error {
	args := m.Called(ctx, org, readTierVersion)
	return args.Error(0)
}

func (m *MockOrganizationRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Organization), args.Error(1)
}

func (m *MockOrganizationRepository) SetPaused(ctx context.Context, orgID uuid.UUID, paused bool, reason string) error {
	args := m.Called(ctx, orgID, paused, reason)
	return args.Error(0)
}

func (m *MockOrganizationRepository) FindPaused(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockSubscriptionRepository is a mock implementation of SubscriptionRepository
type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) Save(ctx context.Context, sub *billing.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) UpdateWithLock(ctx context.Context, sub *billing.Subscription, readVersion int) error {
	args := m.Called(ctx, sub, readVersion)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*billing.Subscription, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*billing.Subscription, error) {
	args := m.Called(ctx, stripeSubID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindByStripeCustomerID(ctx context.Context, stripeCustomerID string) (*billing.Subscription, error) {
	args := m.Called(ctx, stripeCustomerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) FindDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*billing.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) ClaimDowngrade(ctx context.Context, subID uuid.UUID) error {
	args := m.Called(ctx, subID)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) ReleaseDowngradeClaim(ctx context.Context, subID uuid.UUID, clearTarget bool) error {
	args := m.Called(ctx, subID, clearTarget)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) CancelScheduledDowngrade(ctx context.Context, subID uuid.UUID) error {
	args := m.Called(ctx, subID)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) ResetStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

// MockWebhookEventRepository is a mock implementation of WebhookEventRepository
type MockWebhookEventRepository struct {
	mock.Mock
}

func (m *MockWebhookEventRepository) Insert(ctx context.Context, event *billing.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockWebhookEventRepository) FindByKey(ctx context.Context, source, eventID string) (*billing.WebhookEvent, error) {
	args := m.Called(ctx, source, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.WebhookEvent), args.Error(1)
}

func (m *MockWebhookEventRepository) Reclaim(ctx context.Context, source, eventID string, claimedBefore time.Time) error {
	args := m.Called(ctx, source, eventID, claimedBefore)
	return args.Error(0)
}

func (m *MockWebhookEventRepository) MarkCompleted(ctx context.Context, source, eventID string) error {
	args := m.Called(ctx, source, eventID)
	return args.Error(0)
}

func (m *MockWebhookEventRepository) MarkFailed(ctx context.Context, source, eventID string, lastError string) error {
	args := m.Called(ctx, source, eventID, lastError)
	return args.Error(0)
}

func (m *MockWebhookEventRepository) ReleaseExpired(ctx context.Context, claimedBefore time.Time) (int64, error) {
	args := m.Called(ctx, claimedBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWebhookEventRepository) FindFailed(ctx context.Context, limit int) ([]*billing.WebhookEvent, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*billing.WebhookEvent), args.Error(1)
}

// MockOverageChargeRepository is a mock implementation of OverageChargeRepository
type MockOverageChargeRepository struct {
	mock.Mock
}

func (m *MockOverageChargeRepository) UpsertIncrement(ctx context.Context, charge *billing.OverageCharge, count int64) (*billing.OverageCharge, error) {
	args := m.Called(ctx, charge, count)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.OverageCharge), args.Error(1)
}

func (m *MockOverageChargeRepository) Find(ctx context.Context, orgID uuid.UUID, periodStart time.Time, resource billing.ResourceType) (*billing.OverageCharge, error) {
	args := m.Called(ctx, orgID, periodStart, resource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.OverageCharge), args.Error(1)
}

func (m *MockOverageChargeRepository) FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.OverageCharge, error) {
	args := m.Called(ctx, orgID, limit, offset)
	return args.Get(0).([]*billing.OverageCharge), args.Error(1)
}

func (m *MockOverageChargeRepository) UpdateStatus(ctx context.Context, chargeID uuid.UUID, status billing.OverageChargeStatus) error {
	args := m.Called(ctx, chargeID, status)
	return args.Error(0)
}

func (m *MockOverageChargeRepository) CreateInstantChargeOnce(ctx context.Context, charge *billing.InstantCharge) error {
	args := m.Called(ctx, charge)
	return args.Error(0)
}

func (m *MockOverageChargeRepository) UpdateInstantCharge(ctx context.Context, charge *billing.InstantCharge) error {
	args := m.Called(ctx, charge)
	return args.Error(0)
}

func (m *MockOverageChargeRepository) FindInstantCharges(ctx context.Context, orgID uuid.UUID, periodStart time.Time) ([]*billing.InstantCharge, error) {
	args := m.Called(ctx, orgID, periodStart)
	return args.Get(0).([]*billing.InstantCharge), args.Error(1)
}

func (m *MockOverageChargeRepository) FindFailedInstantCharges(ctx context.Context, limit int) ([]*billing.InstantCharge, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*billing.InstantCharge), args.Error(1)
}

// MockSpendCapRepository is a mock implementation of SpendCapRepository
type MockSpendCapRepository struct {
	mock.Mock
}

func (m *MockSpendCapRepository) Save(ctx context.Context, sc *billing.SpendCap) error {
	args := m.Called(ctx, sc)
	return args.Error(0)
}

func (m *MockSpendCapRepository) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*billing.SpendCap, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.SpendCap), args.Error(1)
}

func (m *MockSpendCapRepository) AddSpend(ctx context.Context, orgID uuid.UUID, cents int64) (*billing.SpendCap, error) {
	args := m.Called(ctx, orgID, cents)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.SpendCap), args.Error(1)
}

func (m *MockSpendCapRepository) SetPaused(ctx context.Context, orgID uuid.UUID, paused bool) error {
	args := m.Called(ctx, orgID, paused)
	return args.Error(0)
}

func (m *MockSpendCapRepository) Delete(ctx context.Context, orgID uuid.UUID) error {
	args := m.Called(ctx, orgID)
	return args.Error(0)
}

func (m *MockSpendCapRepository) FindOverCapUnpaused(ctx context.Context, now time.Time, limit int) ([]*billing.SpendCap, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*billing.SpendCap), args.Error(1)
}

// MockBillingEventRepository is a mock implementation of BillingEventRepository
type MockBillingEventRepository struct {
	mock.Mock
}

func (m *MockBillingEventRepository) Append(ctx context.Context, event *billing.BillingEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockBillingEventRepository) Query(ctx context.Context, filter billing.LedgerFilter) ([]*billing.BillingEvent, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*billing.BillingEvent), args.Error(1)
}

func (m *MockBillingEventRepository) CountByProviderEvent(ctx context.Context, providerEventID string) (int64, error) {
	args := m.Called(ctx, providerEventID)
	return args.Get(0).(int64), args.Error(1)
}

// MockTierChangeAuditRepository is a mock implementation of TierChangeAuditRepository
type MockTierChangeAuditRepository struct {
	mock.Mock
}

func (m *MockTierChangeAuditRepository) Save(ctx context.Context, audit *billing.TierChangeAudit) error {
	args := m.Called(ctx, audit)
	return args.Error(0)
}

func (m *MockTierChangeAuditRepository) FindByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.TierChangeAudit, error) {
	args := m.Called(ctx, orgID, limit, offset)
	return args.Get(0).([]*billing.TierChangeAudit), args.Error(1)
}

// MockChargeGateway is a mock implementation of billing.ChargeGateway
type MockChargeGateway struct {
	mock.Mock
}

func (m *MockChargeGateway) SubmitInstantCharge(ctx context.Context, input billing.InstantChargeInput) (*billing.InstantChargeOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.InstantChargeOutput), args.Error(1)
}

func (m *MockChargeGateway) IssueCredit(ctx context.Context, input billing.CreditInput) (*billing.CreditOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CreditOutput), args.Error(1)
}

func (m *MockChargeGateway) IssueRefund(ctx context.Context, input billing.RefundInput) (*billing.RefundOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.RefundOutput), args.Error(1)
}

// MockSpendApplier records spend forwarded by the overage meter
type MockSpendApplier struct {
	mock.Mock
}

func (m *MockSpendApplier) ApplySpend(ctx context.Context, orgID uuid.UUID, cents int64) error {
	args := m.Called(ctx, orgID, cents)
	return args.Error(0)
}

// fakeUnitOfWork runs the transactional function against the provided mocks
// without a real transaction
type fakeUnitOfWork struct {
	repos billing.TxRepositories
}

func (u *fakeUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, repos billing.TxRepositories) error) error {
	return fn(ctx, u.repos)
}
