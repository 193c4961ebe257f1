package billing

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger event types written by admin billing adjustments
const (
	LedgerCreditIssued = "credit_issued"
	LedgerRefundIssued = "refund_issued"
)

// CreditRequest issues a provider-side balance credit
type CreditRequest struct {
	OrgID       uuid.UUID
	AmountCents int64
	Reason      string
}

// RefundRequest refunds a settled provider payment
type RefundRequest struct {
	OrgID           uuid.UUID
	PaymentIntentID string
	// AmountCents of 0 refunds the full payment
	AmountCents int64
	Reason      string
}

// AdminService is the override gateway. Every operation demands an admin
// identity and a reason, delegates the tier and cap mutations to the services
// that own them, and leaves an audit trail in the ledger.
type AdminService struct {
	tiers   *TierService
	caps    *SpendCapService
	subs    billing.SubscriptionRepository
	ledger  billing.BillingEventRepository
	gateway billing.ChargeGateway
	logger  *zap.Logger
}

// NewAdminService creates a new AdminService
func NewAdminService(
	tiers *TierService,
	caps *SpendCapService,
	subs billing.SubscriptionRepository,
	ledger billing.BillingEventRepository,
	gateway billing.ChargeGateway,
	logger *zap.Logger,
) *AdminService {
	return &AdminService{
		tiers:   tiers,
		caps:    caps,
		subs:    subs,
		ledger:  ledger,
		gateway: gateway,
		logger:  logger,
	}
}

func requireAdmin(adminID uuid.UUID, reason string) error {
	if adminID == uuid.Nil {
		return shared.ErrUnauthorized
	}
	if reason == "" {
		return shared.NewDomainError("REASON_REQUIRED", "Admin operations require a reason")
	}
	return nil
}

// SetTier forces an organization onto a tier, skipping the direction checks
// that bind self-service transitions
func (s *AdminService) SetTier(ctx context.Context, orgID uuid.UUID, target billing.Tier, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.tiers.SetTier(ctx, orgID, target, adminID, reason)
}

// ScheduleDowngrade sets an end-of-period downgrade on behalf of an operator
func (s *AdminService) ScheduleDowngrade(ctx context.Context, orgID uuid.UUID, target billing.Tier, effectiveAt time.Time, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.tiers.ScheduleDowngrade(ctx, orgID, target, effectiveAt, billing.ActorAdmin, &adminID, reason)
}

// CancelScheduledDowngrade revokes a pending downgrade
func (s *AdminService) CancelScheduledDowngrade(ctx context.Context, orgID uuid.UUID, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.tiers.CancelScheduledDowngrade(ctx, orgID, billing.ActorAdmin, &adminID, reason)
}

// GrantAdminTrial lifts the organization onto a higher tier until expiry
func (s *AdminService) GrantAdminTrial(ctx context.Context, orgID uuid.UUID, tier billing.Tier, expiresAt time.Time, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.tiers.GrantAdminTrial(ctx, orgID, tier, expiresAt, adminID, reason)
}

// SetCustomLimits overrides per-resource limits for one organization
func (s *AdminService) SetCustomLimits(ctx context.Context, orgID uuid.UUID, limits map[billing.ResourceType]int64, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.tiers.SetCustomLimits(ctx, orgID, limits, adminID, reason)
}

// SetSpendCap creates or updates the organization's spend ceiling
func (s *AdminService) SetSpendCap(ctx context.Context, orgID uuid.UUID, capAmountCents int64, hardPause bool, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.caps.SetCap(ctx, orgID, capAmountCents, hardPause, billing.ActorAdmin, &adminID)
}

// RemoveSpendCap deletes the spend ceiling, resuming a cap-paused organization
func (s *AdminService) RemoveSpendCap(ctx context.Context, orgID uuid.UUID, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.caps.RemoveCap(ctx, orgID, billing.ActorAdmin, &adminID)
}

// OverrideSpendCap grants a time-boxed pause exemption
func (s *AdminService) OverrideSpendCap(ctx context.Context, orgID uuid.UUID, until time.Time, adminID uuid.UUID, reason string) error {
	if err := requireAdmin(adminID, reason); err != nil {
		return err
	}
	return s.caps.Override(ctx, orgID, until, adminID, reason)
}

// IssueCredit applies a provider balance credit and records it in the ledger
func (s *AdminService) IssueCredit(ctx context.Context, req CreditRequest, adminID uuid.UUID) (*billing.CreditOutput, error) {
	if err := requireAdmin(adminID, req.Reason); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Credit amount must be positive")
	}

	sub, err := s.subs.FindByOrgID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if sub.StripeCustomerID == "" {
		return nil, shared.NewDomainError("NO_PROVIDER_CUSTOMER", "Organization has no provider customer on record")
	}

	out, err := s.gateway.IssueCredit(ctx, billing.CreditInput{
		OrgID:          req.OrgID,
		CustomerID:     sub.StripeCustomerID,
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		IdempotencyKey: "credit:" + uuid.NewString(),
	})
	if err != nil {
		return nil, shared.ErrUpstreamProvider
	}

	s.appendAdjustment(ctx, LedgerCreditIssued, req.OrgID, adminID, map[string]any{
		"amount_cents":           req.AmountCents,
		"reason":                 req.Reason,
		"balance_transaction_id": out.BalanceTransactionID,
	})

	s.logger.Info("Admin credit issued",
		zap.String("org_id", req.OrgID.String()),
		zap.Int64("amount_cents", req.AmountCents),
		zap.String("admin_id", adminID.String()))
	return out, nil
}

// IssueRefund refunds a settled payment and records it in the ledger
func (s *AdminService) IssueRefund(ctx context.Context, req RefundRequest, adminID uuid.UUID) (*billing.RefundOutput, error) {
	if err := requireAdmin(adminID, req.Reason); err != nil {
		return nil, err
	}
	if req.PaymentIntentID == "" {
		return nil, shared.NewDomainError("INVALID_PAYMENT", "Payment intent ID is required")
	}

	out, err := s.gateway.IssueRefund(ctx, billing.RefundInput{
		OrgID:           req.OrgID,
		PaymentIntentID: req.PaymentIntentID,
		AmountCents:     req.AmountCents,
		Reason:          req.Reason,
	})
	if err != nil {
		return nil, shared.ErrUpstreamProvider
	}

	s.appendAdjustment(ctx, LedgerRefundIssued, req.OrgID, adminID, map[string]any{
		"payment_intent_id": req.PaymentIntentID,
		"amount_cents":      out.AmountCents,
		"reason":            req.Reason,
		"refund_id":         out.RefundID,
	})

	s.logger.Info("Admin refund issued",
		zap.String("org_id", req.OrgID.String()),
		zap.String("payment_intent_id", req.PaymentIntentID),
		zap.String("admin_id", adminID.String()))
	return out, nil
}

// appendAdjustment records a provider-side adjustment that already happened;
// ledger failure is logged, not propagated, because the money moved.
func (s *AdminService) appendAdjustment(ctx context.Context, eventType string, orgID, adminID uuid.UUID, payload map[string]any) {
	entry, err := billing.NewBillingEvent(eventType, orgID, billing.ActorAdmin, &adminID, payload, "")
	if err != nil {
		s.logger.Error("Failed to build adjustment ledger entry", zap.Error(err))
		return
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.Error("Failed to append adjustment ledger entry",
			zap.String("org_id", orgID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
