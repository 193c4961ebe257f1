package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DowngradeProcessor executes due scheduled downgrades and recovers claims
// abandoned by a crashed worker.
type DowngradeProcessor interface {
	ProcessDue(ctx context.Context, now time.Time, batchSize int) (int, error)
	ResetStaleClaims(ctx context.Context, threshold time.Duration) (int64, error)
}

// SpendCapSweeper re-evaluates caps whose override expired or whose pause
// flip was missed.
type SpendCapSweeper interface {
	SweepOverCap(ctx context.Context, now time.Time, limit int) (int, error)
}

// WebhookRecoverer releases webhook registry claims whose worker never
// finished, so the next delivery can be re-admitted.
type WebhookRecoverer interface {
	RecoverExpired(ctx context.Context) (int64, error)
}

// ChargeReplayer resubmits instant charges whose provider submission failed
// after retries.
type ChargeReplayer interface {
	ReplayFailedCharges(ctx context.Context, limit int) (int, error)
}

// BillingWorkerConfig holds the intervals and batch sizes for the billing
// background jobs
type BillingWorkerConfig struct {
	Enabled bool

	// DowngradePollInterval is how often the downgrade worker scans for due rows
	DowngradePollInterval time.Duration
	// DowngradeBatchSize is the number of due downgrades claimed per scan
	DowngradeBatchSize int

	// StaleClaimSweepEvery is how often abandoned downgrade claims are swept
	StaleClaimSweepEvery time.Duration
	// StaleClaimThreshold is the age beyond which a claim counts as abandoned
	StaleClaimThreshold time.Duration

	// SpendCapSweepInterval is how often spend caps are re-evaluated
	SpendCapSweepInterval time.Duration
	// CapSweepBatchSize is the number of over-cap orgs handled per pass
	CapSweepBatchSize int

	// WebhookRecoverySweep is how often stuck webhook events are reclaimed
	WebhookRecoverySweep   time.Duration
	WebhookRecoveryEnabled bool

	// ChargeReplayInterval is how often failed instant charges are resubmitted
	ChargeReplayInterval time.Duration
	// ChargeReplayBatchSize is the number of failed charges replayed per pass
	ChargeReplayBatchSize int

	// JobTimeout bounds a single sweep pass
	JobTimeout time.Duration
}

// DefaultBillingWorkerConfig returns default billing worker configuration
func DefaultBillingWorkerConfig() BillingWorkerConfig {
	return BillingWorkerConfig{
		Enabled:                true,
		DowngradePollInterval:  time.Minute,
		DowngradeBatchSize:     50,
		StaleClaimSweepEvery:   5 * time.Minute,
		StaleClaimThreshold:    10 * time.Minute,
		SpendCapSweepInterval:  time.Minute,
		CapSweepBatchSize:      200,
		WebhookRecoverySweep:   5 * time.Minute,
		WebhookRecoveryEnabled: true,
		ChargeReplayInterval:   10 * time.Minute,
		ChargeReplayBatchSize:  50,
		JobTimeout:             5 * time.Minute,
	}
}

// Validate validates the configuration
func (c *BillingWorkerConfig) Validate() error {
	if c.DowngradePollInterval <= 0 || c.DowngradeBatchSize <= 0 {
		return ErrInvalidConfig
	}
	if c.StaleClaimSweepEvery <= 0 || c.StaleClaimThreshold <= 0 {
		return ErrInvalidConfig
	}
	if c.SpendCapSweepInterval <= 0 || c.CapSweepBatchSize <= 0 {
		return ErrInvalidConfig
	}
	if c.WebhookRecoveryEnabled && c.WebhookRecoverySweep <= 0 {
		return ErrInvalidConfig
	}
	if c.ChargeReplayInterval <= 0 || c.ChargeReplayBatchSize <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// BillingWorker owns the recurring billing maintenance jobs: the downgrade
// poll, the stale downgrade-claim sweep, the spend-cap sweep, the webhook
// claim recovery sweep, and the failed-charge replay. Each job is an
// independent sweeper; one failing pass never stalls the others.
type BillingWorker struct {
	sweepers []*Sweeper
	logger   *zap.Logger
}

// NewBillingWorker creates a new billing worker
func NewBillingWorker(
	config BillingWorkerConfig,
	downgrades DowngradeProcessor,
	caps SpendCapSweeper,
	webhooks WebhookRecoverer,
	charges ChargeReplayer,
	logger *zap.Logger,
) (*BillingWorker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var sweepers []*Sweeper

	downgradePoll, err := NewSweeper("downgrade_poll", config.DowngradePollInterval, config.JobTimeout,
		func(ctx context.Context) (int, error) {
			return downgrades.ProcessDue(ctx, time.Now(), config.DowngradeBatchSize)
		}, logger)
	if err != nil {
		return nil, err
	}
	sweepers = append(sweepers, downgradePoll)

	staleClaims, err := NewSweeper("stale_claim_sweep", config.StaleClaimSweepEvery, config.JobTimeout,
		func(ctx context.Context) (int, error) {
			recovered, err := downgrades.ResetStaleClaims(ctx, config.StaleClaimThreshold)
			return int(recovered), err
		}, logger)
	if err != nil {
		return nil, err
	}
	sweepers = append(sweepers, staleClaims)

	capSweep, err := NewSweeper("spend_cap_sweep", config.SpendCapSweepInterval, config.JobTimeout,
		func(ctx context.Context) (int, error) {
			return caps.SweepOverCap(ctx, time.Now(), config.CapSweepBatchSize)
		}, logger)
	if err != nil {
		return nil, err
	}
	sweepers = append(sweepers, capSweep)

	if config.WebhookRecoveryEnabled {
		recovery, err := NewSweeper("webhook_recovery", config.WebhookRecoverySweep, config.JobTimeout,
			func(ctx context.Context) (int, error) {
				released, err := webhooks.RecoverExpired(ctx)
				return int(released), err
			}, logger)
		if err != nil {
			return nil, err
		}
		sweepers = append(sweepers, recovery)
	}

	chargeReplay, err := NewSweeper("charge_replay", config.ChargeReplayInterval, config.JobTimeout,
		func(ctx context.Context) (int, error) {
			return charges.ReplayFailedCharges(ctx, config.ChargeReplayBatchSize)
		}, logger)
	if err != nil {
		return nil, err
	}
	sweepers = append(sweepers, chargeReplay)

	return &BillingWorker{
		sweepers: sweepers,
		logger:   logger,
	}, nil
}

// Start starts all billing sweepers
func (w *BillingWorker) Start(ctx context.Context) error {
	for _, s := range w.sweepers {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	w.logger.Info("Billing worker started", zap.Int("sweepers", len(w.sweepers)))
	return nil
}

// Stop stops all billing sweepers, waiting up to the context deadline
func (w *BillingWorker) Stop(ctx context.Context) error {
	var firstErr error
	for _, s := range w.sweepers {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		w.logger.Info("Billing worker stopped")
	}
	return firstErr
}
