package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/entitle/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type usageTestStack struct {
	router   *gin.Engine
	orgs     *MockOrganizationRepository
	overages *MockOverageChargeRepository
	spend    *MockSpendApplier
	orgID    uuid.UUID
}

func newUsageTestStack(t *testing.T, authed bool) *usageTestStack {
	t.Helper()

	stack := &usageTestStack{
		orgs:     new(MockOrganizationRepository),
		overages: new(MockOverageChargeRepository),
		spend:    new(MockSpendApplier),
		orgID:    uuid.New(),
	}

	meter := billingapp.NewOverageMeterService(
		stack.overages,
		stack.orgs,
		new(MockSubscriptionRepository),
		new(MockBillingEventRepository),
		new(MockWebhookEventRepository),
		new(MockChargeGateway),
		stack.spend,
		nil,
		zap.NewNop(),
		billingapp.DefaultOverageMeterConfig(),
	)

	stack.router = gin.New()
	group := stack.router.Group("/api/v1")
	if authed {
		group.Use(withAuthContext(stack.orgID, uuid.New()))
	}
	NewUsageHandler(meter).RegisterRoutes(group)
	return stack
}

func postUsage(router *gin.Engine, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/usage", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func testOverageCharge(t *testing.T, orgID uuid.UUID, usage, overage, chargeCents int64) *billing.OverageCharge {
	t.Helper()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	period := billing.Period{Start: start, End: start.AddDate(0, 1, 0)}
	charge, err := billing.NewOverageCharge(orgID, period, billing.ResourceAPICalls, 10_000, billing.OverageRateCents(billing.ResourceAPICalls))
	require.NoError(t, err)
	charge.ActualUsage = usage
	charge.OverageAmount = overage
	charge.TotalChargeCents = chargeCents
	return charge
}

func TestUsageHandler_RecordWithinLimit(t *testing.T) {
	stack := newUsageTestStack(t, true)

	org := newTestOrg(billing.TierFree)
	stack.orgs.On("FindByID", mock.Anything, stack.orgID).Return(org, nil)
	stack.overages.On("Find", mock.Anything, stack.orgID, mock.Anything, billing.ResourceAPICalls).
		Return(nil, shared.ErrNotFound)
	stack.overages.On("UpsertIncrement", mock.Anything, mock.Anything, int64(500)).
		Return(testOverageCharge(t, stack.orgID, 500, 0, 0), nil)

	w := postUsage(stack.router, RecordUsageRequest{Resource: "api_calls", Count: 500})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp APIResponse[RecordUsageResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(10_000), resp.Data.BaseLimit)
	assert.Equal(t, int64(500), resp.Data.ActualUsage)
	assert.Zero(t, resp.Data.TotalChargeCents)
	assert.Empty(t, resp.Data.InstantChargeID)
	stack.spend.AssertNotCalled(t, "ApplySpend", mock.Anything, mock.Anything, mock.Anything)
}

func TestUsageHandler_OverageForwardsSpendDelta(t *testing.T) {
	stack := newUsageTestStack(t, true)

	org := newTestOrg(billing.TierFree)
	stack.orgs.On("FindByID", mock.Anything, stack.orgID).Return(org, nil)
	stack.overages.On("Find", mock.Anything, stack.orgID, mock.Anything, billing.ResourceAPICalls).
		Return(testOverageCharge(t, stack.orgID, 10_100, 100, 100), nil)
	stack.overages.On("UpsertIncrement", mock.Anything, mock.Anything, int64(300)).
		Return(testOverageCharge(t, stack.orgID, 10_400, 400, 400), nil)
	stack.spend.On("ApplySpend", mock.Anything, stack.orgID, int64(300)).Return(nil)

	w := postUsage(stack.router, RecordUsageRequest{Resource: "api_calls", Count: 300})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp APIResponse[RecordUsageResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(400), resp.Data.OverageAmount)
	assert.Equal(t, int64(400), resp.Data.TotalChargeCents)
	stack.spend.AssertExpectations(t)
}

func TestUsageHandler_UnknownResource(t *testing.T) {
	stack := newUsageTestStack(t, true)

	w := postUsage(stack.router, RecordUsageRequest{Resource: "gpu_hours", Count: 10})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dto.ErrCodeInvalidInput, resp.Error.Code)
}

func TestUsageHandler_RejectsNonPositiveCount(t *testing.T) {
	stack := newUsageTestStack(t, true)

	w := postUsage(stack.router, gin.H{"resource": "api_calls", "count": 0})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageHandler_RequiresAuth(t *testing.T) {
	stack := newUsageTestStack(t, false)

	w := postUsage(stack.router, RecordUsageRequest{Resource: "api_calls", Count: 5})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUsageHandler_OrgNotFound(t *testing.T) {
	stack := newUsageTestStack(t, true)

	stack.orgs.On("FindByID", mock.Anything, stack.orgID).Return(nil, shared.ErrNotFound)

	w := postUsage(stack.router, RecordUsageRequest{Resource: "api_calls", Count: 5})

	assert.Equal(t, http.StatusNotFound, w.Code)
}
