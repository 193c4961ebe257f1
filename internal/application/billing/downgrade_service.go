package billing

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DowngradeService executes scheduled downgrades. The subscription row itself
// is the mutex: a conditional UPDATE on downgrade_processing admits exactly
// one worker per row, so any number of instances can poll concurrently
// without double-applying a downgrade or racing an admin cancel.
type DowngradeService struct {
	uow      billing.UnitOfWork
	orgs     billing.OrganizationRepository
	subs     billing.SubscriptionRepository
	eventBus shared.EventPublisher
	logger   *zap.Logger

	maxRetries  int
	backoffBase time.Duration
}

// NewDowngradeService creates a new DowngradeService
func NewDowngradeService(
	uow billing.UnitOfWork,
	orgs billing.OrganizationRepository,
	subs billing.SubscriptionRepository,
	eventBus shared.EventPublisher,
	logger *zap.Logger,
	cfg TierServiceConfig,
) *DowngradeService {
	if cfg.MaxVersionRetries == 0 {
		cfg.MaxVersionRetries = 3
	}
	if cfg.RetryBackoffBase == 0 {
		cfg.RetryBackoffBase = 50 * time.Millisecond
	}
	return &DowngradeService{
		uow:         uow,
		orgs:        orgs,
		subs:        subs,
		eventBus:    eventBus,
		logger:      logger,
		maxRetries:  cfg.MaxVersionRetries,
		backoffBase: cfg.RetryBackoffBase,
	}
}

// ProcessDue claims and executes downgrades due at or before now. Rows
// claimed by another worker are skipped; execution failures release the
// claim with the target intact so the next poll retries. Returns the number
// of downgrades applied.
func (s *DowngradeService) ProcessDue(ctx context.Context, now time.Time, batchSize int) (int, error) {
	due, err := s.subs.FindDueDowngrades(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Info("Processing due downgrades", zap.Int("candidates", len(due)))

	processed := 0
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		err := s.subs.ClaimDowngrade(ctx, sub.ID)
		if err == shared.ErrClaimConflict {
			// Another worker got there, or an admin cancelled between the
			// scan and the claim
			continue
		}
		if err != nil {
			s.logger.Error("Failed to claim downgrade",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
			continue
		}

		if err := s.execute(ctx, sub.ID); err != nil {
			s.logger.Error("Failed to execute claimed downgrade",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
			// Keep the target so the next poll retries after the stale-claim
			// sweep releases the row
			if relErr := s.subs.ReleaseDowngradeClaim(ctx, sub.ID, false); relErr != nil {
				s.logger.Error("Failed to release downgrade claim",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(relErr))
			}
			continue
		}
		processed++
	}

	if processed > 0 {
		s.logger.Info("Applied scheduled downgrades", zap.Int("processed", processed))
	}
	return processed, nil
}

// execute applies one claimed downgrade. The claim keeps the admin cancel
// path out, but user-initiated tier writes can still bump versions, so the
// commit runs under the same bounded CAS retry as every other transition.
func (s *DowngradeService) execute(ctx context.Context, subID uuid.UUID) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		sub, err := s.subs.FindByID(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Downgrade.TargetTier == nil {
			// Target vanished after the claim; nothing to apply
			return s.subs.ReleaseDowngradeClaim(ctx, subID, true)
		}
		target := *sub.Downgrade.TargetTier

		org, err := s.orgs.FindByID(ctx, sub.OrgID)
		if err != nil {
			return err
		}

		readSubVersion := sub.Version
		readTierVersion := org.TierVersion
		fromTier := org.Tier

		if err := sub.ChangeTier(target); err != nil {
			return err
		}
		sub.ClearScheduledDowngrade()
		if err := org.ChangeTier(target, sub.Modifier()); err != nil {
			return err
		}

		err = s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
			if err := repos.Organizations.UpdateWithLock(ctx, org, readTierVersion); err != nil {
				return err
			}
			if err := repos.Subscriptions.UpdateWithLock(ctx, sub, readSubVersion); err != nil {
				return err
			}
			if err := repos.Subscriptions.ReleaseDowngradeClaim(ctx, subID, true); err != nil {
				return err
			}

			entry, err := billing.NewBillingEvent(LedgerScheduledDowngradeDone, sub.OrgID, billing.ActorSystem, nil, ledgerPayload{
				FromTier: fromTier.String(),
				ToTier:   target.String(),
			}, "")
			if err != nil {
				return err
			}
			if err := repos.Ledger.Append(ctx, entry); err != nil {
				return err
			}

			audit, err := billing.NewTierChangeAudit(sub.OrgID, fromTier, target, billing.ActorSystem, nil, "scheduled downgrade")
			if err != nil {
				return err
			}
			return repos.TierAudits.Save(ctx, audit)
		})
		if err == nil {
			if s.eventBus != nil {
				if pubErr := s.eventBus.Publish(ctx, NewTierChangedEvent(sub.OrgID, fromTier, target, billing.ActorSystem)); pubErr != nil {
					s.logger.Error("Failed to publish tier change event", zap.Error(pubErr))
				}
			}
			s.logger.Info("Scheduled downgrade executed",
				zap.String("org_id", sub.OrgID.String()),
				zap.String("from_tier", fromTier.String()),
				zap.String("to_tier", target.String()))
			return nil
		}
		if err != shared.ErrConcurrencyConflict {
			return err
		}

		s.logger.Warn("Version conflict executing downgrade, retrying",
			zap.String("subscription_id", subID.String()),
			zap.Int("attempt", attempt))

		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoffBase * time.Duration(attempt)):
		}
	}
	return shared.ErrRetryExhausted
}

// ResetStaleClaims releases claims older than threshold, recovering rows
// whose worker died between claim and completion. Returns the number of rows
// recovered.
func (s *DowngradeService) ResetStaleClaims(ctx context.Context, threshold time.Duration) (int64, error) {
	recovered, err := s.subs.ResetStaleClaims(ctx, time.Now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.logger.Warn("Recovered stale downgrade claims", zap.Int64("recovered", recovered))
	}
	return recovered, nil
}
