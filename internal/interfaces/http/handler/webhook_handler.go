package handler

import (
	"errors"
	"io"
	"net/http"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/gin-gonic/gin"
)

// Maximum webhook payload size (64KB - Stripe webhooks are typically small)
const maxWebhookPayloadSize = 65536

// WebhookHandler handles provider webhook endpoints. These endpoints are
// called by Stripe and do not require authentication; the signature check
// inside the webhook service is the trust boundary.
type WebhookHandler struct {
	BaseHandler
	webhooks *billingapp.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(webhooks *billingapp.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// WebhookResponse represents the response for a provider webhook delivery
//
//	@Description	Provider webhook response
type WebhookResponse struct {
	Received  bool   `json:"received" example:"true"`
	EventID   string `json:"event_id,omitempty" example:"evt_1234567890"`
	EventType string `json:"event_type,omitempty" example:"customer.subscription.updated"`
	Decision  string `json:"decision,omitempty" example:"accept"`
	Message   string `json:"message,omitempty"`
}

// HandleStripeWebhook godoc
//
//	@ID				handleStripeWebhook
//	@Summary		Handle Stripe webhook
//	@Description	Receive and process subscription lifecycle events from Stripe
//	@Tags			webhooks
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string			true	"Stripe webhook signature"
//	@Success		200					{object}	WebhookResponse	"Delivery processed, duplicate, or stale"
//	@Failure		400					{object}	WebhookResponse	"Invalid signature or malformed payload"
//	@Failure		409					{object}	WebhookResponse	"Event claimed by another worker, provider should redeliver"
//	@Failure		413					{object}	WebhookResponse	"Payload too large"
//	@Failure		500					{object}	WebhookResponse	"Transient failure, provider should redeliver"
//	@Router			/webhooks/stripe [post]
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	// Stripe requires the raw body for signature verification
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, WebhookResponse{
			Received: false,
			Message:  "Failed to read request body",
		})
		return
	}
	if len(payload) > maxWebhookPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, WebhookResponse{
			Received: false,
			Message:  "Payload too large",
		})
		return
	}

	signature := c.GetHeader("Stripe-Signature")

	result, err := h.webhooks.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		// Signature and payload problems are the caller's fault and will
		// not be fixed by redelivery
		var domainErr *shared.DomainError
		if errors.As(err, &domainErr) {
			switch domainErr.Code {
			case "INVALID_SIGNATURE":
				c.JSON(http.StatusBadRequest, WebhookResponse{
					Received: false,
					Message:  "Webhook signature verification failed",
				})
				return
			case "INVALID_INPUT":
				c.JSON(http.StatusBadRequest, WebhookResponse{
					Received: false,
					Message:  "Malformed webhook payload",
				})
				return
			}
		}

		// Transient failure: answer 5xx so the provider redelivers
		c.JSON(http.StatusInternalServerError, WebhookResponse{
			Received: false,
			Message:  "Webhook processing failed, delivery will be retried",
		})
		return
	}

	// A live claim on a non-terminal row must not be acknowledged: Stripe
	// stops redelivering on 2xx, and redelivery after the claim window is
	// what recovers an event whose claim holder crashed.
	if result.Decision == billing.AdmitInFlight {
		c.JSON(http.StatusConflict, WebhookResponse{
			Received:  false,
			EventID:   result.EventID,
			EventType: result.EventType,
			Decision:  string(result.Decision),
			Message:   webhookMessage(result),
		})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{
		Received:  true,
		EventID:   result.EventID,
		EventType: result.EventType,
		Decision:  string(result.Decision),
		Message:   webhookMessage(result),
	})
}

func webhookMessage(result *billingapp.WebhookResult) string {
	if result.Message != "" {
		return result.Message
	}
	if result.Decision == billing.AdmitAccept && result.Processed {
		return "Webhook processed successfully"
	}
	return "Webhook received"
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/stripe", h.HandleStripeWebhook)
}
