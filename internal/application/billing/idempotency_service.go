package billing

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// AdmitResult is the gate's verdict on an inbound event
type AdmitResult struct {
	Decision billing.AdmitDecision
	Event    *billing.WebhookEvent
}

// IdempotencyGate decides whether an inbound provider event may be processed.
// Admission is backed entirely by the webhook_events registry: a unique
// (source, event_id) insert claims novel events, and conditional updates
// reclaim events whose previous worker crashed mid-processing. No in-memory
// state is held, so any number of instances can admit concurrently.
type IdempotencyGate struct {
	events       billing.WebhookEventRepository
	claimTimeout time.Duration
	maxAttempts  int
	logger       *zap.Logger
}

// IdempotencyGateConfig contains configuration for the gate
type IdempotencyGateConfig struct {
	// ClaimTimeout is how long a processing claim may live before a crashed
	// worker's claim becomes reclaimable
	ClaimTimeout time.Duration

	// MaxAttempts is the number of admissions before an event is parked as failed
	MaxAttempts int
}

// DefaultIdempotencyGateConfig returns the default gate configuration
func DefaultIdempotencyGateConfig() IdempotencyGateConfig {
	return IdempotencyGateConfig{
		ClaimTimeout: 30 * time.Minute,
		MaxAttempts:  5,
	}
}

// NewIdempotencyGate creates a new IdempotencyGate
func NewIdempotencyGate(events billing.WebhookEventRepository, cfg IdempotencyGateConfig, logger *zap.Logger) *IdempotencyGate {
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 30 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &IdempotencyGate{
		events:       events,
		claimTimeout: cfg.ClaimTimeout,
		maxAttempts:  cfg.MaxAttempts,
		logger:       logger,
	}
}

// Admit registers an inbound event and claims it for processing. The first
// delivery of an event is accepted; replays of completed or in-flight events
// are skipped; events abandoned by a crashed worker are re-admitted once
// their claim ages past the timeout.
func (g *IdempotencyGate) Admit(ctx context.Context, source, eventID, eventType string, eventTimestamp time.Time, payload []byte) (*AdmitResult, error) {
	event, err := billing.NewWebhookEvent(source, eventID, eventType, eventTimestamp, payload)
	if err != nil {
		return nil, err
	}

	// Atomic first-delivery claim via the unique (source, event_id) key
	err = g.events.Insert(ctx, event)
	if err == nil {
		g.logger.Debug("Admitted new event",
			zap.String("source", source),
			zap.String("event_id", eventID),
			zap.String("event_type", eventType))
		return &AdmitResult{Decision: billing.AdmitAccept, Event: event}, nil
	}
	if err != shared.ErrAlreadyExists {
		return nil, err
	}

	// The event was seen before; decide based on the registry row
	existing, err := g.events.FindByKey(ctx, source, eventID)
	if err != nil {
		return nil, err
	}

	if existing.ProcessingResult.IsTerminal() {
		// Completed events are safe no-ops; failed events wait for manual
		// replay rather than being retried by provider redelivery
		g.logger.Info("Skipping duplicate event",
			zap.String("source", source),
			zap.String("event_id", eventID),
			zap.String("result", string(existing.ProcessingResult)))
		return &AdmitResult{Decision: billing.AdmitDuplicateSkip, Event: existing}, nil
	}

	if existing.Attempts >= g.maxAttempts {
		g.logger.Warn("Event exhausted admission attempts, parking as failed",
			zap.String("source", source),
			zap.String("event_id", eventID),
			zap.Int("attempts", existing.Attempts))
		if markErr := g.events.MarkFailed(ctx, source, eventID, "admission attempts exhausted"); markErr != nil {
			return nil, markErr
		}
		return &AdmitResult{Decision: billing.AdmitDuplicateSkip, Event: existing}, nil
	}

	// Reclaim pending rows and claims older than the timeout. A live claim
	// means another worker is processing right now; the redelivery must be
	// answered as in-flight, not acknowledged, so the provider keeps
	// redelivering until the row reaches a terminal state. Acknowledging here
	// would strand the event if the claim holder crashed.
	claimedBefore := time.Now().Add(-g.claimTimeout)
	err = g.events.Reclaim(ctx, source, eventID, claimedBefore)
	if err == shared.ErrClaimConflict {
		g.logger.Debug("Event already claimed by a live worker",
			zap.String("source", source),
			zap.String("event_id", eventID))
		return &AdmitResult{Decision: billing.AdmitInFlight, Event: existing}, nil
	}
	if err != nil {
		return nil, err
	}

	reclaimed, err := g.events.FindByKey(ctx, source, eventID)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Re-admitted event after expired claim",
		zap.String("source", source),
		zap.String("event_id", eventID),
		zap.Int("attempts", reclaimed.Attempts))
	return &AdmitResult{Decision: billing.AdmitAccept, Event: reclaimed}, nil
}

// MarkCompleted finalizes a successfully applied event. Future replays of the
// same event become duplicate skips.
func (g *IdempotencyGate) MarkCompleted(ctx context.Context, source, eventID string) error {
	if err := g.events.MarkCompleted(ctx, source, eventID); err != nil {
		g.logger.Error("Failed to mark event completed",
			zap.String("source", source),
			zap.String("event_id", eventID),
			zap.Error(err))
		return err
	}
	return nil
}

// MarkFailed records a terminal processing failure. The row is kept with the
// error message for operator replay.
func (g *IdempotencyGate) MarkFailed(ctx context.Context, source, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := g.events.MarkFailed(ctx, source, eventID, msg); err != nil {
		g.logger.Error("Failed to mark event failed",
			zap.String("source", source),
			zap.String("event_id", eventID),
			zap.Error(err))
		return err
	}
	return nil
}

// RejectStale finalizes an event that carries provider state older than what
// was already applied. The row is completed so redeliveries are cheap skips;
// the stale payload is never applied.
func (g *IdempotencyGate) RejectStale(ctx context.Context, source, eventID string) error {
	g.logger.Info("Rejecting stale event",
		zap.String("source", source),
		zap.String("event_id", eventID))
	return g.events.MarkCompleted(ctx, source, eventID)
}

// RecoverExpired releases processing claims older than the claim timeout so
// provider redelivery can re-admit them. Returns the number of rows released.
func (g *IdempotencyGate) RecoverExpired(ctx context.Context) (int64, error) {
	claimedBefore := time.Now().Add(-g.claimTimeout)
	released, err := g.events.ReleaseExpired(ctx, claimedBefore)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		g.logger.Info("Released expired event claims", zap.Int64("released", released))
	}
	return released, nil
}
