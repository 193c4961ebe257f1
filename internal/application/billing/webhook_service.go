package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// webhookSource namespaces provider deliveries in the event registry
const webhookSource = "stripe"

// WebhookResult tells the HTTP handler what happened to a delivery
type WebhookResult struct {
	EventID   string
	EventType string
	Decision  billing.AdmitDecision
	Processed bool
	Message   string
}

// WebhookServiceConfig configures signature verification
type WebhookServiceConfig struct {
	WebhookSecret     string
	SignatureRequired bool
}

// WebhookService ingests provider deliveries. Every delivery passes the
// idempotency gate before any state is touched; tier mutations go through the
// tier state machine, which enforces event-timestamp ordering. Transient
// processing failures leave the registry claim in place and surface an error
// so the provider redelivers after the claim times out.
type WebhookService struct {
	gate   *IdempotencyGate
	tiers  *TierService
	subs   billing.SubscriptionRepository
	logger *zap.Logger
	config WebhookServiceConfig
}

// NewWebhookService creates a new WebhookService
func NewWebhookService(
	gate *IdempotencyGate,
	tiers *TierService,
	subs billing.SubscriptionRepository,
	logger *zap.Logger,
	config WebhookServiceConfig,
) *WebhookService {
	return &WebhookService{
		gate:   gate,
		tiers:  tiers,
		subs:   subs,
		logger: logger,
		config: config,
	}
}

// HandleWebhook verifies, admits and processes one provider delivery
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := s.parseEvent(payload, signature)
	if err != nil {
		return nil, err
	}

	result := &WebhookResult{
		EventID:   event.ID,
		EventType: string(event.Type),
	}

	admit, err := s.gate.Admit(ctx, webhookSource, event.ID, string(event.Type), time.Unix(event.Created, 0), payload)
	if err != nil {
		return nil, err
	}
	result.Decision = admit.Decision
	switch admit.Decision {
	case billing.AdmitAccept:
	case billing.AdmitInFlight:
		// Another worker holds a live claim. The handler answers non-2xx so
		// the provider redelivers; if that worker crashed, the redelivery
		// after the claim window is what recovers the event.
		result.Message = "delivery already being processed"
		return result, nil
	default:
		result.Message = "duplicate delivery skipped"
		return result, nil
	}

	err = s.process(ctx, event)
	switch {
	case err == nil:
		if err := s.gate.MarkCompleted(ctx, webhookSource, event.ID); err != nil {
			return nil, err
		}
		result.Processed = true
		return result, nil

	case err == shared.ErrStaleEvent:
		// Older than already-applied provider state; completing the row
		// stops redelivery without touching tier state
		if err := s.gate.RejectStale(ctx, webhookSource, event.ID); err != nil {
			return nil, err
		}
		result.Decision = billing.AdmitStaleReject
		result.Message = "event older than applied provider state"
		return result, nil

	case err == shared.ErrNotFound:
		// No matching organization or subscription. Nothing to apply and
		// redelivery cannot help.
		if err := s.gate.MarkCompleted(ctx, webhookSource, event.ID); err != nil {
			return nil, err
		}
		result.Message = "no matching billing record"
		return result, nil

	case isTerminalProcessingError(err):
		s.logger.Error("Webhook processing failed terminally",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		if markErr := s.gate.MarkFailed(ctx, webhookSource, event.ID, err); markErr != nil {
			return nil, markErr
		}
		result.Message = err.Error()
		return result, nil

	default:
		// Transient: keep the claim so the recovery sweep or provider
		// redelivery retries after the claim window
		s.logger.Warn("Webhook processing failed, leaving claim for retry",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return nil, err
	}
}

// parseEvent verifies the provider signature when configured
func (s *WebhookService) parseEvent(payload []byte, signature string) (*stripe.Event, error) {
	if s.config.SignatureRequired {
		event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
		if err != nil {
			return nil, shared.NewDomainError("INVALID_SIGNATURE", "Webhook signature verification failed")
		}
		return &event, nil
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, shared.ErrInvalidInput
	}
	if event.ID == "" {
		return nil, shared.ErrInvalidInput
	}
	return &event, nil
}

func (s *WebhookService) process(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChange(ctx, event, false)
	case "customer.subscription.deleted":
		return s.handleSubscriptionChange(ctx, event, true)
	case "invoice.paid":
		return s.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(ctx, event)
	default:
		s.logger.Debug("Ignoring unhandled event type",
			zap.String("event_type", string(event.Type)))
		return nil
	}
}

// handleSubscriptionChange routes subscription lifecycle events through the
// tier state machine. First deliveries for an unknown subscription provision
// the local record from event metadata.
func (s *WebhookService) handleSubscriptionChange(ctx context.Context, event *stripe.Event, deleted bool) error {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return fmt.Errorf("unmarshal subscription payload: %w", err)
	}

	tier, err := billing.ParseTier(stripeSub.Metadata["tier"])
	if err != nil && !deleted {
		return err
	}

	sub, err := s.resolveSubscription(ctx, &stripeSub, tier)
	if err != nil {
		return err
	}

	change := WebhookTierChange{
		OrgID:           sub.OrgID,
		Target:          tier,
		Status:          mapProviderStatus(stripeSub.Status),
		EventTimestamp:  time.Unix(event.Created, 0),
		ProviderEventID: event.ID,
	}
	if deleted {
		change.Status = billing.SubscriptionCanceled
		change.Target = billing.TierFree
	}
	if stripeSub.CurrentPeriodStart > 0 && stripeSub.CurrentPeriodEnd > stripeSub.CurrentPeriodStart {
		change.PeriodStart = time.Unix(stripeSub.CurrentPeriodStart, 0)
		change.PeriodEnd = time.Unix(stripeSub.CurrentPeriodEnd, 0)
	}

	return s.tiers.ApplyWebhookTierChange(ctx, change)
}

// resolveSubscription finds the local record for a provider subscription,
// creating it on first delivery when the event carries an org_id
func (s *WebhookService) resolveSubscription(ctx context.Context, stripeSub *stripe.Subscription, tier billing.Tier) (*billing.Subscription, error) {
	sub, err := s.subs.FindByStripeSubscriptionID(ctx, stripeSub.ID)
	if err == nil {
		return sub, nil
	}
	if err != shared.ErrNotFound {
		return nil, err
	}

	orgID, err := orgIDFromMetadata(stripeSub.Metadata)
	if err != nil {
		return nil, err
	}

	customerID := ""
	if stripeSub.Customer != nil {
		customerID = stripeSub.Customer.ID
	}
	periodStart := time.Unix(stripeSub.CurrentPeriodStart, 0)
	periodEnd := time.Unix(stripeSub.CurrentPeriodEnd, 0)

	sub, err = billing.NewSubscription(orgID, stripeSub.ID, customerID, tier, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if err := s.subs.Save(ctx, sub); err != nil {
		if err == shared.ErrAlreadyExists {
			// Concurrent delivery provisioned it first
			return s.subs.FindByStripeSubscriptionID(ctx, stripeSub.ID)
		}
		return nil, err
	}
	s.logger.Info("Provisioned subscription from provider event",
		zap.String("org_id", orgID.String()),
		zap.String("stripe_subscription_id", stripeSub.ID))
	return sub, nil
}

// handleInvoicePaid advances the billing period and clears past-due status
func (s *WebhookService) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	invoice, err := parseInvoice(event)
	if err != nil {
		return err
	}
	return s.updateInvoiceSubscription(ctx, invoice, event, func(sub *billing.Subscription) error {
		start := time.Unix(invoice.PeriodStart, 0)
		end := time.Unix(invoice.PeriodEnd, 0)
		if !end.After(start) {
			return nil
		}
		return sub.RenewPeriod(start, end)
	})
}

// handleInvoicePaymentFailed flags the subscription past due
func (s *WebhookService) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	invoice, err := parseInvoice(event)
	if err != nil {
		return err
	}
	return s.updateInvoiceSubscription(ctx, invoice, event, func(sub *billing.Subscription) error {
		sub.MarkPastDue()
		return nil
	})
}

// invoiceUpdateRetries bounds the version-guard loop for invoice events
const invoiceUpdateRetries = 3

// updateInvoiceSubscription applies fn to the invoice's subscription under
// the version guard, retrying the read-modify-write on conflict
func (s *WebhookService) updateInvoiceSubscription(ctx context.Context, invoice *stripe.Invoice, event *stripe.Event, fn func(*billing.Subscription) error) error {
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return shared.ErrNotFound
	}

	eventTime := time.Unix(event.Created, 0)
	var lastErr error
	for attempt := 0; attempt < invoiceUpdateRetries; attempt++ {
		sub, err := s.subs.FindByStripeCustomerID(ctx, invoice.Customer.ID)
		if err != nil {
			return err
		}
		if sub.IsStaleEvent(eventTime) {
			return shared.ErrStaleEvent
		}

		readVersion := sub.Version
		if err := fn(sub); err != nil {
			return err
		}
		sub.ApplyProviderSync(eventTime)

		err = s.subs.UpdateWithLock(ctx, sub, readVersion)
		if err == nil {
			return nil
		}
		if err != shared.ErrConcurrencyConflict {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func parseInvoice(event *stripe.Event) (*stripe.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("unmarshal invoice payload: %w", err)
	}
	return &invoice, nil
}

func orgIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata["org_id"]
	if !ok {
		return uuid.Nil, shared.ErrNotFound
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, shared.NewDomainError("INVALID_ORG", "Malformed org_id metadata")
	}
	return orgID, nil
}

// mapProviderStatus translates the provider's subscription status
func mapProviderStatus(status stripe.SubscriptionStatus) billing.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return billing.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.SubscriptionCanceled
	default:
		return billing.SubscriptionActive
	}
}

// isTerminalProcessingError reports whether redelivery cannot succeed either.
// Validation and state errors are terminal; conflicts, exhausted retries and
// infrastructure failures are worth redelivering.
func isTerminalProcessingError(err error) bool {
	switch err {
	case shared.ErrConcurrencyConflict, shared.ErrRetryExhausted, shared.ErrClaimConflict, shared.ErrUpstreamProvider:
		return false
	}
	var domainErr *shared.DomainError
	return errors.As(err, &domainErr)
}
