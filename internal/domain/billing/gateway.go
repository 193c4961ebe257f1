package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InstantChargeInput contains input for submitting a threshold-triggered charge
type InstantChargeInput struct {
	OrgID          uuid.UUID
	CustomerID     string // Stripe Customer ID
	AmountCents    int64
	Description    string
	IdempotencyKey string // dedupes provider-side on redelivery
	Metadata       map[string]string
}

// InstantChargeOutput contains the result of submitting an instant charge
type InstantChargeOutput struct {
	InvoiceID   string
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// CreditInput contains input for issuing a customer balance credit
type CreditInput struct {
	OrgID          uuid.UUID
	CustomerID     string // Stripe Customer ID
	AmountCents    int64  // positive; applied as a credit against future invoices
	Reason         string
	IdempotencyKey string
}

// CreditOutput contains the result of issuing a credit
type CreditOutput struct {
	BalanceTransactionID string
	AmountCents          int64
	CreatedAt            time.Time
}

// RefundInput contains input for refunding a settled payment
type RefundInput struct {
	OrgID           uuid.UUID
	PaymentIntentID string
	AmountCents     int64 // 0 refunds the full amount
	Reason          string
}

// RefundOutput contains the result of a refund
type RefundOutput struct {
	RefundID    string
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// ChargeGateway is the outbound port to the payment provider. Implementations
// must honour the idempotency keys carried in the inputs so that retried
// submissions cannot double-charge.
type ChargeGateway interface {
	SubmitInstantCharge(ctx context.Context, input InstantChargeInput) (*InstantChargeOutput, error)
	IssueCredit(ctx context.Context, input CreditInput) (*CreditOutput, error)
	IssueRefund(ctx context.Context, input RefundInput) (*RefundOutput, error)
}
