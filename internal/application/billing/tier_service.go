package billing

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger event types written by tier transitions
const (
	LedgerTierUpgraded           = "tier_upgraded"
	LedgerTierDowngraded         = "tier_downgraded"
	LedgerDowngradeScheduled     = "downgrade_scheduled"
	LedgerDowngradeCancelled     = "downgrade_cancelled"
	LedgerSubscriptionCancelled  = "subscription_cancelled"
	LedgerAdminTrialGranted      = "admin_trial_granted"
	LedgerAdminTierOverride      = "admin_tier_override"
	LedgerCustomLimitsSet        = "custom_limits_set"
	LedgerProviderTierSync       = "provider_tier_sync"
	LedgerScheduledDowngradeDone = "scheduled_downgrade_executed"
)

// TierService drives every tier transition through the same
// read-validate-write cycle: load the organization and subscription, validate
// the transition in the domain, then commit with version guards inside one
// transaction together with the ledger and audit rows. A version conflict
// means another writer won; the service re-reads and retries with backoff up
// to the configured attempt budget.
type TierService struct {
	uow      billing.UnitOfWork
	orgs     billing.OrganizationRepository
	subs     billing.SubscriptionRepository
	eventBus shared.EventPublisher
	logger   *zap.Logger

	maxRetries  int
	backoffBase time.Duration
}

// TierServiceConfig contains configuration for TierService
type TierServiceConfig struct {
	MaxVersionRetries int
	RetryBackoffBase  time.Duration
}

// DefaultTierServiceConfig returns the default configuration
func DefaultTierServiceConfig() TierServiceConfig {
	return TierServiceConfig{
		MaxVersionRetries: 3,
		RetryBackoffBase:  50 * time.Millisecond,
	}
}

// NewTierService creates a new TierService
func NewTierService(
	uow billing.UnitOfWork,
	orgs billing.OrganizationRepository,
	subs billing.SubscriptionRepository,
	eventBus shared.EventPublisher,
	logger *zap.Logger,
	cfg TierServiceConfig,
) *TierService {
	if cfg.MaxVersionRetries == 0 {
		cfg.MaxVersionRetries = 3
	}
	if cfg.RetryBackoffBase == 0 {
		cfg.RetryBackoffBase = 50 * time.Millisecond
	}
	return &TierService{
		uow:         uow,
		orgs:        orgs,
		subs:        subs,
		eventBus:    eventBus,
		logger:      logger,
		maxRetries:  cfg.MaxVersionRetries,
		backoffBase: cfg.RetryBackoffBase,
	}
}

// tierMutation describes one transition for the CAS loop
type tierMutation struct {
	ledgerType      string
	actor           billing.ActorType
	actorID         *uuid.UUID
	reason          string
	providerEventID string

	// requireSubscription rejects organizations without a billing record
	requireSubscription bool

	// mutate applies the transition to the freshly read aggregates. It is
	// re-invoked on every retry, so it must not carry state between calls.
	// sub is nil for organizations without a subscription unless
	// requireSubscription is set.
	mutate func(org *billing.Organization, sub *billing.Subscription) error
}

// ledgerPayload is the JSON body of tier transition ledger entries
type ledgerPayload struct {
	FromTier string `json:"from_tier"`
	ToTier   string `json:"to_tier"`
	Reason   string `json:"reason,omitempty"`
}

// run executes a mutation under optimistic concurrency control
func (s *TierService) run(ctx context.Context, orgID uuid.UUID, m tierMutation) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		org, err := s.orgs.FindByID(ctx, orgID)
		if err != nil {
			return err
		}

		sub, err := s.subs.FindByOrgID(ctx, orgID)
		if err == shared.ErrNotFound {
			if m.requireSubscription {
				return shared.NewDomainError("NO_SUBSCRIPTION", "Organization has no billing subscription")
			}
			sub = nil
		} else if err != nil {
			return err
		}

		readTierVersion := org.TierVersion
		readSubVersion := 0
		if sub != nil {
			readSubVersion = sub.Version
		}
		fromTier := org.Tier

		// Domain validation failures are terminal, not retried
		if err := m.mutate(org, sub); err != nil {
			return err
		}

		err = s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
			if err := repos.Organizations.UpdateWithLock(ctx, org, readTierVersion); err != nil {
				return err
			}
			if sub != nil {
				if err := repos.Subscriptions.UpdateWithLock(ctx, sub, readSubVersion); err != nil {
					return err
				}
			}

			entry, err := billing.NewBillingEvent(m.ledgerType, orgID, m.actor, m.actorID, ledgerPayload{
				FromTier: fromTier.String(),
				ToTier:   org.Tier.String(),
				Reason:   m.reason,
			}, m.providerEventID)
			if err != nil {
				return err
			}
			if err := repos.Ledger.Append(ctx, entry); err != nil {
				return err
			}

			if org.Tier != fromTier {
				audit, err := billing.NewTierChangeAudit(orgID, fromTier, org.Tier, m.actor, m.actorID, m.reason)
				if err != nil {
					return err
				}
				if err := repos.TierAudits.Save(ctx, audit); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			if org.Tier != fromTier {
				s.publish(ctx, NewTierChangedEvent(orgID, fromTier, org.Tier, m.actor))
			}
			s.logger.Info("Tier mutation committed",
				zap.String("org_id", orgID.String()),
				zap.String("operation", m.ledgerType),
				zap.String("from_tier", fromTier.String()),
				zap.String("to_tier", org.Tier.String()),
				zap.Int("attempt", attempt))
			return nil
		}
		if err != shared.ErrConcurrencyConflict {
			return err
		}

		s.logger.Warn("Version conflict, retrying tier mutation",
			zap.String("org_id", orgID.String()),
			zap.String("operation", m.ledgerType),
			zap.Int("attempt", attempt))

		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay(attempt)):
		}
	}

	s.logger.Error("Tier mutation failed after maximum retries",
		zap.String("org_id", orgID.String()),
		zap.String("operation", m.ledgerType),
		zap.Int("max_retries", s.maxRetries))
	return shared.ErrRetryExhausted
}

// retryDelay doubles the base per attempt with jitter so competing writers
// do not retry in lockstep
func (s *TierService) retryDelay(attempt int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
	return delay + jitter
}

func (s *TierService) publish(ctx context.Context, event shared.DomainEvent) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish domain event",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}

// Upgrade applies an immediate upgrade to a higher tier
func (s *TierService) Upgrade(ctx context.Context, orgID uuid.UUID, target billing.Tier, actorID *uuid.UUID) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType:          LedgerTierUpgraded,
		actor:               billing.ActorUser,
		actorID:             actorID,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if !target.IsUpgradeFrom(org.Tier) {
				return shared.NewDomainError("INVALID_TRANSITION", "Upgrade target must be higher than the current tier")
			}
			if err := sub.ChangeTier(target); err != nil {
				return err
			}
			return org.ChangeTier(target, sub.Modifier())
		},
	})
}

// Downgrade applies an immediate downgrade to a lower tier
func (s *TierService) Downgrade(ctx context.Context, orgID uuid.UUID, target billing.Tier, actorID *uuid.UUID) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType:          LedgerTierDowngraded,
		actor:               billing.ActorUser,
		actorID:             actorID,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if !target.IsDowngradeFrom(org.Tier) {
				return shared.NewDomainError("INVALID_TRANSITION", "Downgrade target must be lower than the current tier")
			}
			if err := sub.ChangeTier(target); err != nil {
				return err
			}
			return org.ChangeTier(target, sub.Modifier())
		},
	})
}

// SetTier forces the organization onto a tier in either direction. This is
// the admin override path: the upgrade/downgrade direction checks do not
// apply, but the version guard, ledger entry, and audit row still do. When it
// races a webhook-sourced change, whichever commit wins the version compare
// stands; the loser re-reads and retries against the new state.
func (s *TierService) SetTier(ctx context.Context, orgID uuid.UUID, target billing.Tier, adminID uuid.UUID, reason string) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType: LedgerAdminTierOverride,
		actor:      billing.ActorAdmin,
		actorID:    &adminID,
		reason:     reason,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if sub != nil {
				if err := sub.ChangeTier(target); err != nil {
					return err
				}
				return org.ChangeTier(target, sub.Modifier())
			}
			// Organizations that never paid have no subscription row; the
			// override still applies at the org level.
			return org.ChangeTier(target, billing.ModifierNone)
		},
	})
}

// ScheduleDowngrade records a deferred downgrade taking effect at effectiveAt.
// The tier itself does not change until the background worker executes it.
func (s *TierService) ScheduleDowngrade(ctx context.Context, orgID uuid.UUID, target billing.Tier, effectiveAt time.Time, actor billing.ActorType, actorID *uuid.UUID, reason string) error {
	err := s.run(ctx, orgID, tierMutation{
		ledgerType:          LedgerDowngradeScheduled,
		actor:               actor,
		actorID:             actorID,
		reason:              reason,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if err := sub.ScheduleDowngrade(target, effectiveAt); err != nil {
				return err
			}
			return org.SetModifier(billing.ModifierScheduledDowngradePending)
		},
	})
	if err == nil {
		s.publish(ctx, NewDowngradeScheduledEvent(orgID, target, effectiveAt.Format(time.RFC3339)))
	}
	return err
}

// CancelScheduledDowngrade removes a pending downgrade. The cancel loses to a
// worker that already claimed the row: shared.ErrClaimConflict tells the
// caller the downgrade is executing and can no longer be cancelled.
func (s *TierService) CancelScheduledDowngrade(ctx context.Context, orgID uuid.UUID, actor billing.ActorType, actorID *uuid.UUID, reason string) error {
	sub, err := s.subs.FindByOrgID(ctx, orgID)
	if err != nil {
		return err
	}
	if !sub.Downgrade.IsPending() {
		return shared.NewDomainError("NO_DOWNGRADE", "No downgrade is scheduled")
	}

	// Conditional clear; fails with CLAIM_CONFLICT if the worker claimed first
	if err := s.subs.CancelScheduledDowngrade(ctx, sub.ID); err != nil {
		return err
	}

	return s.run(ctx, orgID, tierMutation{
		ledgerType: LedgerDowngradeCancelled,
		actor:      actor,
		actorID:    actorID,
		reason:     reason,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			modifier := billing.ModifierNone
			if sub != nil {
				modifier = sub.Modifier()
			}
			return org.SetModifier(modifier)
		},
	})
}

// CancelSubscription soft-retires the subscription and drops the
// organization to the free tier
func (s *TierService) CancelSubscription(ctx context.Context, orgID uuid.UUID, actorID *uuid.UUID) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType:          LedgerSubscriptionCancelled,
		actor:               billing.ActorUser,
		actorID:             actorID,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if err := sub.Cancel(); err != nil {
				return err
			}
			return org.ChangeTier(billing.TierFree, billing.ModifierNone)
		},
	})
}

// GrantAdminTrial grants a time-boxed trial on a higher tier. The
// organization serves at the trial tier with the admin_trial modifier until
// expiry.
func (s *TierService) GrantAdminTrial(ctx context.Context, orgID uuid.UUID, tier billing.Tier, expiresAt time.Time, adminID uuid.UUID, reason string) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType:          LedgerAdminTrialGranted,
		actor:               billing.ActorAdmin,
		actorID:             &adminID,
		reason:              reason,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if err := sub.StartAdminTrial(tier, expiresAt, adminID); err != nil {
				return err
			}
			return org.ChangeTier(tier, billing.ModifierAdminTrial)
		},
	})
}

// SetCustomLimits replaces the admin-set per-resource limits. Custom limits
// override the tier defaults in entitlement snapshots and overage metering.
func (s *TierService) SetCustomLimits(ctx context.Context, orgID uuid.UUID, limits map[billing.ResourceType]int64, adminID uuid.UUID, reason string) error {
	return s.run(ctx, orgID, tierMutation{
		ledgerType: LedgerCustomLimitsSet,
		actor:      billing.ActorAdmin,
		actorID:    &adminID,
		reason:     reason,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			return org.SetCustomLimits(limits)
		},
	})
}

// WebhookTierChange carries a provider-sourced tier mutation
type WebhookTierChange struct {
	OrgID           uuid.UUID
	Target          billing.Tier
	Status          billing.SubscriptionStatus
	PeriodStart     time.Time
	PeriodEnd       time.Time
	EventTimestamp  time.Time
	ProviderEventID string
}

// ApplyWebhookTierChange applies a provider event to the tier state. Events
// older than the last applied provider state are rejected with
// shared.ErrStaleEvent so out-of-order delivery never regresses the tier.
func (s *TierService) ApplyWebhookTierChange(ctx context.Context, change WebhookTierChange) error {
	return s.run(ctx, change.OrgID, tierMutation{
		ledgerType:          LedgerProviderTierSync,
		actor:               billing.ActorStripe,
		providerEventID:     change.ProviderEventID,
		requireSubscription: true,
		mutate: func(org *billing.Organization, sub *billing.Subscription) error {
			if sub.IsStaleEvent(change.EventTimestamp) {
				return shared.ErrStaleEvent
			}

			if change.Status == billing.SubscriptionCanceled {
				if sub.Status != billing.SubscriptionCanceled {
					if err := sub.Cancel(); err != nil {
						return err
					}
				}
				sub.ApplyProviderSync(change.EventTimestamp)
				return org.ChangeTier(billing.TierFree, billing.ModifierNone)
			}

			if err := sub.ChangeTier(change.Target); err != nil {
				return err
			}
			if change.Status.IsValid() {
				sub.Status = change.Status
			}
			if !change.PeriodStart.IsZero() && change.PeriodEnd.After(change.PeriodStart) {
				if err := sub.RenewPeriod(change.PeriodStart, change.PeriodEnd); err != nil {
					return err
				}
			}
			sub.ApplyProviderSync(change.EventTimestamp)
			return org.ChangeTier(change.Target, sub.Modifier())
		},
	})
}
