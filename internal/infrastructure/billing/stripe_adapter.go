package billing

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customerbalancetransaction"
	"github.com/stripe/stripe-go/v81/invoice"
	"github.com/stripe/stripe-go/v81/invoiceitem"
	"github.com/stripe/stripe-go/v81/refund"
	"go.uber.org/zap"
)

// StripeAdapter implements the provider calls the billing core needs:
// threshold-triggered instant charges, admin credits, and refunds. Transient
// provider failures are retried with exponential backoff up to the configured
// attempt budget; the caller persists terminal failures for replay.
type StripeAdapter struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeAdapter creates a new Stripe adapter
func NewStripeAdapter(config *StripeConfig, logger *zap.Logger) (*StripeAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Initialize Stripe client
	config.InitStripeClient()

	return &StripeAdapter{
		config: config,
		logger: logger,
	}, nil
}

// SubmitInstantCharge creates and auto-advances a one-off invoice for the
// accumulated overage that crossed the instant-charge threshold. The
// idempotency key carries the (org, period, threshold) identity so provider
// retries never double-charge.
func (a *StripeAdapter) SubmitInstantCharge(ctx context.Context, input InstantChargeInput) (*InstantChargeOutput, error) {
	if input.CustomerID == "" {
		return nil, fmt.Errorf("stripe: customer ID is required")
	}
	if input.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: charge amount must be positive")
	}

	a.logger.Debug("Submitting instant charge to Stripe",
		zap.String("org_id", input.OrgID.String()),
		zap.String("customer_id", input.CustomerID),
		zap.Int64("amount_cents", input.AmountCents))

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(input.CustomerID),
		Amount:      stripe.Int64(input.AmountCents),
		Currency:    stripe.String(a.config.DefaultCurrency),
		Description: stripe.String(input.Description),
	}
	itemParams.Metadata = map[string]string{
		"org_id": input.OrgID.String(),
	}
	maps.Copy(itemParams.Metadata, input.Metadata)
	if input.IdempotencyKey != "" {
		itemParams.SetIdempotencyKey(input.IdempotencyKey + ":item")
	}

	_, err := a.withRetry(ctx, "create invoice item", func() (interface{}, error) {
		return invoiceitem.New(itemParams)
	})
	if err != nil {
		return nil, err
	}

	invParams := &stripe.InvoiceParams{
		Customer:    stripe.String(input.CustomerID),
		AutoAdvance: stripe.Bool(true),
		Description: stripe.String(input.Description),
	}
	if input.IdempotencyKey != "" {
		invParams.SetIdempotencyKey(input.IdempotencyKey + ":invoice")
	}

	result, err := a.withRetry(ctx, "create invoice", func() (interface{}, error) {
		return invoice.New(invParams)
	})
	if err != nil {
		return nil, err
	}
	inv := result.(*stripe.Invoice)

	a.logger.Info("Submitted instant charge to Stripe",
		zap.String("org_id", input.OrgID.String()),
		zap.String("invoice_id", inv.ID),
		zap.Int64("amount_cents", input.AmountCents))

	return &InstantChargeOutput{
		InvoiceID:   inv.ID,
		AmountCents: input.AmountCents,
		Status:      string(inv.Status),
		CreatedAt:   time.Unix(inv.Created, 0),
	}, nil
}

// IssueCredit posts a negative customer balance transaction, crediting the
// amount against the customer's future invoices
func (a *StripeAdapter) IssueCredit(ctx context.Context, input CreditInput) (*CreditOutput, error) {
	if input.CustomerID == "" {
		return nil, fmt.Errorf("stripe: customer ID is required")
	}
	if input.AmountCents <= 0 {
		return nil, fmt.Errorf("stripe: credit amount must be positive")
	}

	a.logger.Debug("Issuing Stripe credit",
		zap.String("org_id", input.OrgID.String()),
		zap.String("customer_id", input.CustomerID),
		zap.Int64("amount_cents", input.AmountCents))

	// Negative amount credits the customer balance
	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(input.CustomerID),
		Amount:      stripe.Int64(-input.AmountCents),
		Currency:    stripe.String(a.config.DefaultCurrency),
		Description: stripe.String(input.Reason),
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	result, err := a.withRetry(ctx, "create balance transaction", func() (interface{}, error) {
		return customerbalancetransaction.New(params)
	})
	if err != nil {
		return nil, err
	}
	txn := result.(*stripe.CustomerBalanceTransaction)

	a.logger.Info("Issued Stripe credit",
		zap.String("org_id", input.OrgID.String()),
		zap.String("balance_transaction_id", txn.ID),
		zap.Int64("amount_cents", input.AmountCents))

	return &CreditOutput{
		BalanceTransactionID: txn.ID,
		AmountCents:          input.AmountCents,
		CreatedAt:            time.Unix(txn.Created, 0),
	}, nil
}

// IssueRefund refunds a settled payment, partially when AmountCents is set
func (a *StripeAdapter) IssueRefund(ctx context.Context, input RefundInput) (*RefundOutput, error) {
	if input.PaymentIntentID == "" {
		return nil, fmt.Errorf("stripe: payment intent ID is required")
	}

	a.logger.Debug("Issuing Stripe refund",
		zap.String("org_id", input.OrgID.String()),
		zap.String("payment_intent_id", input.PaymentIntentID),
		zap.Int64("amount_cents", input.AmountCents))

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(input.PaymentIntentID),
	}
	if input.AmountCents > 0 {
		params.Amount = stripe.Int64(input.AmountCents)
	}
	if input.Reason != "" {
		params.Metadata = map[string]string{"reason": input.Reason}
	}

	result, err := a.withRetry(ctx, "create refund", func() (interface{}, error) {
		return refund.New(params)
	})
	if err != nil {
		return nil, err
	}
	ref := result.(*stripe.Refund)

	a.logger.Info("Issued Stripe refund",
		zap.String("org_id", input.OrgID.String()),
		zap.String("refund_id", ref.ID),
		zap.Int64("amount_cents", ref.Amount))

	return &RefundOutput{
		RefundID:    ref.ID,
		AmountCents: ref.Amount,
		Status:      string(ref.Status),
		CreatedAt:   time.Unix(ref.Created, 0),
	}, nil
}

// withRetry runs a provider call with exponential backoff on transient
// failures. Non-retryable errors (card declines, invalid requests) surface
// immediately.
func (a *StripeAdapter) withRetry(ctx context.Context, op string, call func() (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= a.config.MaxAttempts; attempt++ {
		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryableStripeError(err) {
			return nil, fmt.Errorf("stripe: failed to %s: %w", op, err)
		}

		if attempt == a.config.MaxAttempts {
			break
		}

		delay := retryDelay(a.config.RetryBaseDelay, attempt)
		a.logger.Warn("Retrying Stripe call after transient failure",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("stripe: failed to %s after %d attempts: %w", op, a.config.MaxAttempts, lastErr)
}

// isRetryableStripeError reports whether the error is worth retrying:
// rate limits, provider 5xx, lock timeouts, and transport failures.
func isRetryableStripeError(err error) bool {
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		// Transport-level failure, no provider verdict
		return true
	}
	if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
		return true
	}
	return stripeErr.Code == stripe.ErrorCodeLockTimeout
}

// retryDelay doubles the base delay per attempt
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
