package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func newWebhookTestStack(signatureRequired bool) (*gin.Engine, *MockWebhookEventRepository) {
	events := new(MockWebhookEventRepository)
	orgs := new(MockOrganizationRepository)
	subs := new(MockSubscriptionRepository)
	ledger := new(MockBillingEventRepository)
	audits := new(MockTierChangeAuditRepository)

	uow := &fakeUnitOfWork{repos: billing.TxRepositories{
		Organizations: orgs,
		Subscriptions: subs,
		Ledger:        ledger,
		TierAudits:    audits,
	}}
	gate := billingapp.NewIdempotencyGate(events, billingapp.DefaultIdempotencyGateConfig(), zap.NewNop())
	tiers := billingapp.NewTierService(uow, orgs, subs, nil, zap.NewNop(), billingapp.DefaultTierServiceConfig())
	svc := billingapp.NewWebhookService(gate, tiers, subs, zap.NewNop(), billingapp.WebhookServiceConfig{
		WebhookSecret:     "whsec_test",
		SignatureRequired: signatureRequired,
	})

	router := gin.New()
	NewWebhookHandler(svc).RegisterRoutes(router.Group("/webhooks"))
	return router, events
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_NewEventProcessed(t *testing.T) {
	router, events := newWebhookTestStack(false)

	events.On("Insert", mock.Anything, mock.Anything).Return(nil)
	events.On("MarkCompleted", mock.Anything, "stripe", "evt_ping_1").Return(nil)

	payload := []byte(`{"id":"evt_ping_1","type":"ping","created":1700000000}`)
	w := postWebhook(router, payload, "")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, "evt_ping_1", resp.EventID)
	assert.Equal(t, "ping", resp.EventType)
	assert.Equal(t, string(billing.AdmitAccept), resp.Decision)
	events.AssertExpectations(t)
}

func TestWebhookHandler_DuplicateDelivery(t *testing.T) {
	router, events := newWebhookTestStack(false)

	existing, err := billing.NewWebhookEvent("stripe", "evt_dup_1", "ping", time.Unix(1700000000, 0), []byte(`{}`))
	assert.NoError(t, err)
	existing.ProcessingResult = billing.ProcessingCompleted

	events.On("Insert", mock.Anything, mock.Anything).Return(shared.ErrAlreadyExists)
	events.On("FindByKey", mock.Anything, "stripe", "evt_dup_1").Return(existing, nil)

	payload := []byte(`{"id":"evt_dup_1","type":"ping","created":1700000000}`)
	w := postWebhook(router, payload, "")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, string(billing.AdmitDuplicateSkip), resp.Decision)
	events.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_LiveClaimNotAcknowledged(t *testing.T) {
	router, events := newWebhookTestStack(false)

	// Another worker claimed the event and may have crashed; a 2xx here
	// would stop redelivery and strand the event short of a terminal state.
	claimed, err := billing.NewWebhookEvent("stripe", "evt_claimed_1", "ping", time.Unix(1700000000, 0), []byte(`{}`))
	assert.NoError(t, err)

	events.On("Insert", mock.Anything, mock.Anything).Return(shared.ErrAlreadyExists)
	events.On("FindByKey", mock.Anything, "stripe", "evt_claimed_1").Return(claimed, nil)
	events.On("Reclaim", mock.Anything, "stripe", "evt_claimed_1", mock.AnythingOfType("time.Time")).
		Return(shared.ErrClaimConflict)

	payload := []byte(`{"id":"evt_claimed_1","type":"ping","created":1700000000}`)
	w := postWebhook(router, payload, "")

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Received)
	assert.Equal(t, string(billing.AdmitInFlight), resp.Decision)
	events.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_MalformedPayload(t *testing.T) {
	router, _ := newWebhookTestStack(false)

	w := postWebhook(router, []byte("not json"), "")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Received)
	assert.Equal(t, "Malformed webhook payload", resp.Message)
}

func TestWebhookHandler_MissingEventID(t *testing.T) {
	router, _ := newWebhookTestStack(false)

	w := postWebhook(router, []byte(`{"type":"ping","created":1700000000}`), "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	router, _ := newWebhookTestStack(true)

	payload := []byte(`{"id":"evt_sig_1","type":"ping","created":1700000000}`)
	w := postWebhook(router, payload, "t=1700000000,v1=deadbeef")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Received)
	assert.Equal(t, "Webhook signature verification failed", resp.Message)
}

func TestWebhookHandler_TransientFailureAsks5xx(t *testing.T) {
	router, events := newWebhookTestStack(false)

	events.On("Insert", mock.Anything, mock.Anything).Return(assert.AnError)

	payload := []byte(`{"id":"evt_db_down","type":"ping","created":1700000000}`)
	w := postWebhook(router, payload, "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp WebhookResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Received)
	assert.Contains(t, resp.Message, "retried")
}

func TestWebhookHandler_PayloadTooLarge(t *testing.T) {
	router, _ := newWebhookTestStack(false)

	body := []byte(`{"id":"evt_big","type":"ping","padding":"` + strings.Repeat("x", maxWebhookPayloadSize) + `"}`)
	w := postWebhook(router, body, "")

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
