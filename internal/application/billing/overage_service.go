package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger event types written by the overage meter
const (
	LedgerUsageRecorded        = "overage_usage_recorded"
	LedgerInstantChargeCreated = "instant_charge_created"
	LedgerInstantChargeFailed  = "instant_charge_failed"
)

// usageDedupeSource namespaces usage deltas inside the event registry so
// client-retried reports share dedupe machinery with provider webhooks
const usageDedupeSource = "usage"

// SpendApplier accrues overage spend against the organization's spend cap
type SpendApplier interface {
	ApplySpend(ctx context.Context, orgID uuid.UUID, cents int64) error
}

// UsageInput is one usage delta reported by the serving layer
type UsageInput struct {
	OrgID      uuid.UUID
	Resource   billing.ResourceType
	Count      int64
	OccurredAt time.Time
	// SourceID, when set, dedupes client retries of the same delta within
	// the billing period
	SourceID string
}

// UsageResult describes the accumulator state after a usage report
type UsageResult struct {
	Duplicate        bool
	BaseLimit        int64
	ActualUsage      int64
	OverageAmount    int64
	TotalChargeCents int64
	InstantCharge    *billing.InstantCharge
}

// OverageMeterConfig tunes threshold billing and provider submission retries
type OverageMeterConfig struct {
	InstantChargeThresholdCents int64
	SubmitRetries               int
	SubmitBackoff               time.Duration
}

// DefaultOverageMeterConfig returns production defaults
func DefaultOverageMeterConfig() OverageMeterConfig {
	return OverageMeterConfig{
		InstantChargeThresholdCents: 10_000,
		SubmitRetries:               3,
		SubmitBackoff:               time.Second,
	}
}

// OverageMeterService accumulates beyond-limit usage per (organization,
// period, resource) and bills the first crossing of the instant-charge
// threshold exactly once. Spend is forwarded to the cap enforcer on every
// report.
type OverageMeterService struct {
	overages billing.OverageChargeRepository
	orgs     billing.OrganizationRepository
	subs     billing.SubscriptionRepository
	ledger   billing.BillingEventRepository
	dedupe   billing.WebhookEventRepository
	gateway  billing.ChargeGateway
	spend    SpendApplier
	eventBus shared.EventPublisher
	logger   *zap.Logger
	config   OverageMeterConfig
}

// NewOverageMeterService creates a new OverageMeterService
func NewOverageMeterService(
	overages billing.OverageChargeRepository,
	orgs billing.OrganizationRepository,
	subs billing.SubscriptionRepository,
	ledger billing.BillingEventRepository,
	dedupe billing.WebhookEventRepository,
	gateway billing.ChargeGateway,
	spend SpendApplier,
	eventBus shared.EventPublisher,
	logger *zap.Logger,
	config OverageMeterConfig,
) *OverageMeterService {
	if config.InstantChargeThresholdCents <= 0 {
		config.InstantChargeThresholdCents = DefaultOverageMeterConfig().InstantChargeThresholdCents
	}
	if config.SubmitRetries <= 0 {
		config.SubmitRetries = DefaultOverageMeterConfig().SubmitRetries
	}
	if config.SubmitBackoff <= 0 {
		config.SubmitBackoff = DefaultOverageMeterConfig().SubmitBackoff
	}
	return &OverageMeterService{
		overages: overages,
		orgs:     orgs,
		subs:     subs,
		ledger:   ledger,
		dedupe:   dedupe,
		gateway:  gateway,
		spend:    spend,
		eventBus: eventBus,
		logger:   logger,
		config:   config,
	}
}

// RecordUsage folds one usage delta into the period accumulator. The upsert
// is atomic per (org, period, resource); concurrent reports never lose
// increments. Failure to submit a triggered instant charge does not fail the
// usage report; the charge row stays behind for replay.
func (s *OverageMeterService) RecordUsage(ctx context.Context, input UsageInput) (*UsageResult, error) {
	if input.OrgID == uuid.Nil {
		return nil, shared.ErrInvalidInput
	}
	if !input.Resource.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Unknown resource type: "+input.Resource.String())
	}
	if input.Count <= 0 {
		return nil, shared.NewDomainError("INVALID_COUNT", "Usage count must be positive")
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	period := billingPeriodFor(occurredAt)

	org, err := s.orgs.FindByID(ctx, input.OrgID)
	if err != nil {
		return nil, err
	}

	if input.SourceID != "" {
		dup, err := s.registerUsageDelta(ctx, input, period, occurredAt)
		if err != nil {
			return nil, err
		}
		if dup {
			return s.currentState(ctx, input.OrgID, period, input.Resource)
		}
	}

	baseLimit := org.EffectiveLimit(input.Resource)
	seed, err := billing.NewOverageCharge(input.OrgID, period, input.Resource, baseLimit, billing.OverageRateCents(input.Resource))
	if err != nil {
		return nil, err
	}

	// Pre-image for spend delta and threshold-crossing detection. Between
	// this read and the upsert another report may land; the crossing check
	// below tolerates that because instant charge creation is unique per
	// (org, period, threshold).
	preCharge := int64(0)
	if prev, err := s.overages.Find(ctx, input.OrgID, period.Start, input.Resource); err == nil {
		preCharge = prev.TotalChargeCents
	} else if err != shared.ErrNotFound {
		return nil, err
	}

	charge, err := s.overages.UpsertIncrement(ctx, seed, input.Count)
	if err != nil {
		return nil, err
	}

	result := &UsageResult{
		BaseLimit:        charge.BaseLimit,
		ActualUsage:      charge.ActualUsage,
		OverageAmount:    charge.OverageAmount,
		TotalChargeCents: charge.TotalChargeCents,
	}

	if delta := charge.TotalChargeCents - preCharge; delta > 0 && s.spend != nil {
		if err := s.spend.ApplySpend(ctx, input.OrgID, delta); err != nil {
			s.logger.Error("Failed to apply overage spend to cap",
				zap.String("org_id", input.OrgID.String()),
				zap.Int64("delta_cents", delta),
				zap.Error(err))
		}
	}

	threshold := s.config.InstantChargeThresholdCents
	if !org.OveragesDisabled && preCharge < threshold && charge.TotalChargeCents >= threshold {
		ic, err := s.triggerInstantCharge(ctx, org, period, charge.TotalChargeCents)
		if err != nil {
			s.logger.Error("Instant charge processing failed",
				zap.String("org_id", input.OrgID.String()),
				zap.Error(err))
		} else {
			result.InstantCharge = ic
		}
	}

	return result, nil
}

// registerUsageDelta claims the delta's source ID in the event registry.
// Returns true when this delta was already folded in.
func (s *OverageMeterService) registerUsageDelta(ctx context.Context, input UsageInput, period billing.Period, occurredAt time.Time) (bool, error) {
	eventID := fmt.Sprintf("%s:%d:%s:%s", input.OrgID, period.Start.Unix(), input.Resource, input.SourceID)
	payload, _ := json.Marshal(map[string]any{"count": input.Count})

	event, err := billing.NewWebhookEvent(usageDedupeSource, eventID, "usage.recorded", occurredAt, payload)
	if err != nil {
		return false, err
	}
	err = s.dedupe.Insert(ctx, event)
	if err == shared.ErrAlreadyExists {
		s.logger.Debug("Duplicate usage delta skipped",
			zap.String("org_id", input.OrgID.String()),
			zap.String("source_id", input.SourceID))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	// Usage registry rows are dedupe markers, not work items
	if err := s.dedupe.MarkCompleted(ctx, usageDedupeSource, eventID); err != nil {
		s.logger.Warn("Failed to complete usage dedupe marker", zap.Error(err))
	}
	return false, nil
}

// currentState returns the accumulator as it stands, for duplicate reports
func (s *OverageMeterService) currentState(ctx context.Context, orgID uuid.UUID, period billing.Period, resource billing.ResourceType) (*UsageResult, error) {
	result := &UsageResult{Duplicate: true}
	charge, err := s.overages.Find(ctx, orgID, period.Start, resource)
	if err == shared.ErrNotFound {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.BaseLimit = charge.BaseLimit
	result.ActualUsage = charge.ActualUsage
	result.OverageAmount = charge.OverageAmount
	result.TotalChargeCents = charge.TotalChargeCents
	return result, nil
}

// triggerInstantCharge creates the crossing charge exactly once and submits
// it to the provider. A row that already exists means another report won the
// crossing; nothing more to do.
func (s *OverageMeterService) triggerInstantCharge(ctx context.Context, org *billing.Organization, period billing.Period, amountCents int64) (*billing.InstantCharge, error) {
	threshold := s.config.InstantChargeThresholdCents
	ic, err := billing.NewInstantCharge(org.ID, period.Start, threshold, amountCents)
	if err != nil {
		return nil, err
	}

	err = s.overages.CreateInstantChargeOnce(ctx, ic)
	if err == shared.ErrAlreadyExists {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Instant charge threshold crossed",
		zap.String("org_id", org.ID.String()),
		zap.Int64("threshold_cents", threshold),
		zap.Int64("amount_cents", amountCents))

	entry, err := billing.NewBillingEvent(LedgerInstantChargeCreated, org.ID, billing.ActorSystem, nil, map[string]any{
		"threshold_cents": threshold,
		"amount_cents":    amountCents,
		"period_start":    period.Start,
	}, "")
	if err == nil {
		if err := s.ledger.Append(ctx, entry); err != nil {
			s.logger.Error("Failed to append instant charge ledger entry", zap.Error(err))
		}
	}

	if s.eventBus != nil {
		if err := s.eventBus.Publish(ctx, NewInstantChargeCreatedEvent(org.ID, ic.ID, amountCents, threshold)); err != nil {
			s.logger.Error("Failed to publish instant charge event", zap.Error(err))
		}
	}

	s.submitInstantCharge(ctx, ic)
	return ic, nil
}

// submitInstantCharge pushes the charge to the provider with bounded retries.
// Terminal failure marks the row failed; ReplayFailedCharges resubmits it.
func (s *OverageMeterService) submitInstantCharge(ctx context.Context, ic *billing.InstantCharge) {
	sub, err := s.subs.FindByOrgID(ctx, ic.OrgID)
	if err != nil || sub.StripeCustomerID == "" {
		s.markChargeFailed(ctx, ic, "no provider customer on record")
		return
	}

	input := billing.InstantChargeInput{
		OrgID:       ic.OrgID,
		CustomerID:  sub.StripeCustomerID,
		AmountCents: ic.AmountCents,
		Description: "Overage threshold charge",
		// Keyed on the charge row so resubmission after a crash cannot
		// double-bill
		IdempotencyKey: fmt.Sprintf("instant:%s:%d:%d", ic.OrgID, ic.PeriodStart.Unix(), ic.ThresholdCents),
		Metadata: map[string]string{
			"period_start": ic.PeriodStart.Format(time.RFC3339),
		},
	}

	var out *billing.InstantChargeOutput
	for attempt := 1; attempt <= s.config.SubmitRetries; attempt++ {
		out, err = s.gateway.SubmitInstantCharge(ctx, input)
		if err == nil {
			break
		}
		if attempt == s.config.SubmitRetries {
			break
		}
		delay := s.config.SubmitBackoff * time.Duration(1<<(attempt-1))
		s.logger.Warn("Instant charge submission failed, retrying",
			zap.String("org_id", ic.OrgID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			s.markChargeFailed(ctx, ic, ctx.Err().Error())
			return
		case <-time.After(delay):
		}
	}
	if err != nil {
		s.markChargeFailed(ctx, ic, err.Error())
		return
	}

	ic.MarkSubmitted(out.InvoiceID)
	if err := s.overages.UpdateInstantCharge(ctx, ic); err != nil {
		s.logger.Error("Failed to persist submitted instant charge",
			zap.String("charge_id", ic.ID.String()),
			zap.Error(err))
		return
	}
	s.logger.Info("Instant charge submitted",
		zap.String("org_id", ic.OrgID.String()),
		zap.String("invoice_id", out.InvoiceID),
		zap.Int64("amount_cents", ic.AmountCents))
}

func (s *OverageMeterService) markChargeFailed(ctx context.Context, ic *billing.InstantCharge, cause string) {
	ic.MarkFailed(cause)
	if err := s.overages.UpdateInstantCharge(ctx, ic); err != nil {
		s.logger.Error("Failed to persist instant charge failure",
			zap.String("charge_id", ic.ID.String()),
			zap.Error(err))
		return
	}
	entry, err := billing.NewBillingEvent(LedgerInstantChargeFailed, ic.OrgID, billing.ActorSystem, nil, map[string]any{
		"charge_id": ic.ID,
		"cause":     cause,
	}, "")
	if err == nil {
		if err := s.ledger.Append(ctx, entry); err != nil {
			s.logger.Error("Failed to append instant charge failure ledger entry", zap.Error(err))
		}
	}
	s.logger.Error("Instant charge marked failed",
		zap.String("org_id", ic.OrgID.String()),
		zap.String("cause", cause))
}

// GetPeriodCharges returns the accumulators for a billing period
func (s *OverageMeterService) GetPeriodCharges(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*billing.OverageCharge, error) {
	return s.overages.FindByOrg(ctx, orgID, limit, offset)
}

// GetInstantCharges returns threshold charges created in a period
func (s *OverageMeterService) GetInstantCharges(ctx context.Context, orgID uuid.UUID, periodStart time.Time) ([]*billing.InstantCharge, error) {
	return s.overages.FindInstantCharges(ctx, orgID, periodStart)
}

// ReplayFailedCharges resubmits charges whose provider submission failed
// terminally. The provider idempotency key is derived from the charge row, so
// a replay of a charge that actually went through cannot double-bill. Returns
// the number of charges that reached the provider this pass.
func (s *OverageMeterService) ReplayFailedCharges(ctx context.Context, limit int) (int, error) {
	failed, err := s.overages.FindFailedInstantCharges(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, ic := range failed {
		s.submitInstantCharge(ctx, ic)
		if ic.Status == billing.InstantChargeSubmitted {
			replayed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(failed) > 0 {
		s.logger.Info("Replayed failed instant charges",
			zap.Int("found", len(failed)),
			zap.Int("replayed", replayed))
	}
	return replayed, nil
}

// billingPeriodFor maps an occurrence time to its calendar-month UTC period
func billingPeriodFor(t time.Time) billing.Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return billing.Period{Start: start, End: start.AddDate(0, 1, 0)}
}
