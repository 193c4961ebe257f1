// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BillingMetrics provides business metrics for the entitlement engine.
// It tracks webhook admission outcomes, tier transitions, optimistic lock
// conflicts, overage charges, and spend-cap pauses.
type BillingMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	webhookAdmittedTotal  *Counter
	tierTransitionTotal   *Counter
	versionConflictTotal  *Counter
	downgradeClaimTotal   *Counter
	instantChargeTotal    *Counter
	overageAccruedCents   *Counter
	spendCapPauseTotal    *Counter
	adminOverrideTotal    *Counter

	// Gauge metrics (point-in-time values)
	pausedOrgCount    *Gauge
	pendingDowngrades *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	// Data provider for periodic collection
	stateProvider BillingStateProvider
}

// BillingStateProvider provides aggregate billing state for periodic metrics
// collection. This interface allows the telemetry layer to query billing
// state without depending on the billing domain directly.
type BillingStateProvider interface {
	// GetPausedOrgCount returns the number of organizations currently paused
	GetPausedOrgCount(ctx context.Context) (int64, error)

	// GetPendingDowngradeCount returns the number of unclaimed scheduled downgrades
	GetPendingDowngradeCount(ctx context.Context) (int64, error)
}

// BillingMetricsConfig holds configuration for billing metrics.
type BillingMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 1 minute
	StateProvider   BillingStateProvider
}

// NewBillingMetrics creates a new BillingMetrics instance.
func NewBillingMetrics(cfg BillingMetricsConfig) (*BillingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bm := &BillingMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		stopChan:      make(chan struct{}),
		stateProvider: cfg.StateProvider,
	}

	var err error

	bm.webhookAdmittedTotal, err = NewCounter(
		cfg.Meter,
		"entitle_webhook_admitted_total",
		"Webhook events by admission outcome",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	bm.tierTransitionTotal, err = NewCounter(
		cfg.Meter,
		"entitle_tier_transition_total",
		"Tier transitions applied",
		"{transitions}",
	)
	if err != nil {
		return nil, err
	}

	bm.versionConflictTotal, err = NewCounter(
		cfg.Meter,
		"entitle_version_conflict_total",
		"Optimistic lock conflicts on tier state writes",
		"{conflicts}",
	)
	if err != nil {
		return nil, err
	}

	bm.downgradeClaimTotal, err = NewCounter(
		cfg.Meter,
		"entitle_downgrade_claim_total",
		"Scheduled downgrade claim attempts by result",
		"{claims}",
	)
	if err != nil {
		return nil, err
	}

	bm.instantChargeTotal, err = NewCounter(
		cfg.Meter,
		"entitle_instant_charge_total",
		"Threshold-triggered instant charges by status",
		"{charges}",
	)
	if err != nil {
		return nil, err
	}

	bm.overageAccruedCents, err = NewCounter(
		cfg.Meter,
		"entitle_overage_accrued_cents_total",
		"Overage charge amount accrued, in cents",
		"{cents}",
	)
	if err != nil {
		return nil, err
	}

	bm.spendCapPauseTotal, err = NewCounter(
		cfg.Meter,
		"entitle_spend_cap_pause_total",
		"Organizations paused by spend-cap enforcement",
		"{pauses}",
	)
	if err != nil {
		return nil, err
	}

	bm.adminOverrideTotal, err = NewCounter(
		cfg.Meter,
		"entitle_admin_override_total",
		"Admin override operations",
		"{operations}",
	)
	if err != nil {
		return nil, err
	}

	bm.pausedOrgCount, err = NewGauge(
		cfg.Meter,
		"entitle_paused_org_count",
		"Organizations currently paused",
		"{orgs}",
	)
	if err != nil {
		return nil, err
	}

	bm.pendingDowngrades, err = NewGauge(
		cfg.Meter,
		"entitle_pending_downgrade_count",
		"Scheduled downgrades awaiting processing",
		"{downgrades}",
	)
	if err != nil {
		return nil, err
	}

	return bm, nil
}

// AdmitOutcome labels webhook admission results for metrics.
type AdmitOutcome string

const (
	AdmitOutcomeAccepted  AdmitOutcome = "accepted"
	AdmitOutcomeDuplicate AdmitOutcome = "duplicate_skip"
	AdmitOutcomeStale     AdmitOutcome = "stale_reject"
	AdmitOutcomeReclaimed AdmitOutcome = "timeout_reclaimed"
)

// RecordWebhookAdmitted records a webhook admission decision.
func (bm *BillingMetrics) RecordWebhookAdmitted(ctx context.Context, source string, outcome AdmitOutcome) {
	bm.webhookAdmittedTotal.Inc(ctx,
		AttrEventSource.String(source),
		AttrAdmitOutcome.String(string(outcome)),
	)
}

// RecordTierTransition records an applied tier change.
func (bm *BillingMetrics) RecordTierTransition(ctx context.Context, orgID uuid.UUID, fromTier, toTier string) {
	bm.tierTransitionTotal.Inc(ctx,
		AttrOrgID.String(orgID.String()),
		AttrTier.String(toTier),
	)
}

// RecordVersionConflict records an optimistic lock conflict during a tier write.
func (bm *BillingMetrics) RecordVersionConflict(ctx context.Context, orgID uuid.UUID) {
	bm.versionConflictTotal.Inc(ctx, AttrOrgID.String(orgID.String()))
}

// RecordDowngradeClaim records a downgrade claim attempt. result is "won",
// "lost", or "stale_reset".
func (bm *BillingMetrics) RecordDowngradeClaim(ctx context.Context, result string) {
	bm.downgradeClaimTotal.Inc(ctx, AttrAdmitOutcome.String(result))
}

// RecordInstantCharge records an instant charge attempt by provider status.
func (bm *BillingMetrics) RecordInstantCharge(ctx context.Context, orgID uuid.UUID, status string) {
	bm.instantChargeTotal.Inc(ctx,
		AttrOrgID.String(orgID.String()),
		AttrChargeStatus.String(status),
	)
}

// RecordOverageAccrued records overage amount accrued for a resource.
func (bm *BillingMetrics) RecordOverageAccrued(ctx context.Context, orgID uuid.UUID, resourceType string, cents int64) {
	bm.overageAccruedCents.Add(ctx, cents,
		AttrOrgID.String(orgID.String()),
		AttrResourceType.String(resourceType),
	)
}

// RecordSpendCapPause records an org paused by spend-cap enforcement.
func (bm *BillingMetrics) RecordSpendCapPause(ctx context.Context, orgID uuid.UUID) {
	bm.spendCapPauseTotal.Inc(ctx, AttrOrgID.String(orgID.String()))
}

// RecordAdminOverride records an admin override operation by kind.
func (bm *BillingMetrics) RecordAdminOverride(ctx context.Context, operation string) {
	bm.adminOverrideTotal.Inc(ctx, AttrOverrideActor.String(operation))
}

// StartPeriodicCollection starts periodic collection of gauge metrics.
// This is non-blocking - use Stop() to stop collection.
func (bm *BillingMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	bm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = time.Minute
		}

		go bm.runPeriodicCollection(ctx, interval)
	})
}

func (bm *BillingMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	bm.collectStateMetrics(ctx)

	for {
		select {
		case <-bm.stopChan:
			bm.logger.Info("Stopping periodic billing metrics collection")
			return
		case <-ctx.Done():
			bm.logger.Info("Context cancelled, stopping periodic billing metrics collection")
			return
		case <-ticker.C:
			bm.collectStateMetrics(ctx)
		}
	}
}

func (bm *BillingMetrics) collectStateMetrics(ctx context.Context) {
	if bm.stateProvider == nil {
		bm.logger.Debug("No state provider configured, skipping billing metrics collection")
		return
	}

	pausedCount, err := bm.stateProvider.GetPausedOrgCount(ctx)
	if err != nil {
		bm.logger.Warn("Failed to get paused org count", zap.Error(err))
	} else {
		bm.pausedOrgCount.Record(ctx, pausedCount)
	}

	pendingCount, err := bm.stateProvider.GetPendingDowngradeCount(ctx)
	if err != nil {
		bm.logger.Warn("Failed to get pending downgrade count", zap.Error(err))
	} else {
		bm.pendingDowngrades.Record(ctx, pendingCount)
	}
}

// Stop stops the periodic collection.
func (bm *BillingMetrics) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.stopChan)
	})
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewBillingMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
