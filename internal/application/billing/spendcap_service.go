package billing

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger event types written by spend-cap operations
const (
	LedgerSpendCapSet      = "spend_cap_set"
	LedgerSpendCapRemoved  = "spend_cap_removed"
	LedgerSpendCapOverride = "spend_cap_override"
	LedgerOrgPaused        = "org_paused"
	LedgerOrgResumed       = "org_resumed"
)

// pauseReasonSpendCap is recorded on organizations paused by the enforcer
const pauseReasonSpendCap = "spend cap exceeded"

// SpendCapService enforces per-organization spend ceilings. It is the only
// writer of the pause flag: the meter reports spend through ApplySpend, and
// every report re-evaluates the cap. The serving layer reads the flag through
// IsPaused, which is backed by the pause cache so admission checks stay off
// the database.
type SpendCapService struct {
	uow      billing.UnitOfWork
	caps     billing.SpendCapRepository
	orgs     billing.OrganizationRepository
	cache    billing.PauseCache
	eventBus shared.EventPublisher
	logger   *zap.Logger
}

// NewSpendCapService creates a new SpendCapService
func NewSpendCapService(
	uow billing.UnitOfWork,
	caps billing.SpendCapRepository,
	orgs billing.OrganizationRepository,
	cache billing.PauseCache,
	eventBus shared.EventPublisher,
	logger *zap.Logger,
) *SpendCapService {
	return &SpendCapService{
		uow:      uow,
		caps:     caps,
		orgs:     orgs,
		cache:    cache,
		eventBus: eventBus,
		logger:   logger,
	}
}

// SetCap creates or updates the organization's spend cap and immediately
// re-evaluates it, so lowering a cap below current spend pauses right away.
func (s *SpendCapService) SetCap(ctx context.Context, orgID uuid.UUID, capAmountCents int64, hardPause bool, actor billing.ActorType, actorID *uuid.UUID) error {
	if _, err := s.orgs.FindByID(ctx, orgID); err != nil {
		return err
	}

	sc, err := s.caps.FindByOrgID(ctx, orgID)
	if err == shared.ErrNotFound {
		sc, err = billing.NewSpendCap(orgID, capAmountCents, hardPause)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		if err := sc.SetCap(capAmountCents, hardPause); err != nil {
			return err
		}
	}

	err = s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
		if err := repos.SpendCaps.Save(ctx, sc); err != nil {
			return err
		}
		entry, err := billing.NewBillingEvent(LedgerSpendCapSet, orgID, actor, actorID, map[string]any{
			"cap_amount_cents":   capAmountCents,
			"hard_pause_enabled": hardPause,
		}, "")
		if err != nil {
			return err
		}
		return repos.Ledger.Append(ctx, entry)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Spend cap set",
		zap.String("org_id", orgID.String()),
		zap.Int64("cap_amount_cents", capAmountCents),
		zap.Bool("hard_pause", hardPause))

	return s.Evaluate(ctx, orgID)
}

// RemoveCap deletes the spend cap. An organization paused by the cap is
// resumed in the same transaction.
func (s *SpendCapService) RemoveCap(ctx context.Context, orgID uuid.UUID, actor billing.ActorType, actorID *uuid.UUID) error {
	sc, err := s.caps.FindByOrgID(ctx, orgID)
	if err != nil {
		return err
	}

	err = s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
		if err := repos.SpendCaps.Delete(ctx, orgID); err != nil {
			return err
		}
		if sc.IsPaused {
			if err := repos.Organizations.SetPaused(ctx, orgID, false, ""); err != nil {
				return err
			}
			resumed, err := billing.NewBillingEvent(LedgerOrgResumed, orgID, billing.ActorSystem, nil, map[string]any{
				"cause": "spend cap removed",
			}, "")
			if err != nil {
				return err
			}
			if err := repos.Ledger.Append(ctx, resumed); err != nil {
				return err
			}
		}
		entry, err := billing.NewBillingEvent(LedgerSpendCapRemoved, orgID, actor, actorID, nil, "")
		if err != nil {
			return err
		}
		return repos.Ledger.Append(ctx, entry)
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, orgID)
	if sc.IsPaused {
		s.publishPauseChange(ctx, orgID, false, "")
	}

	s.logger.Info("Spend cap removed", zap.String("org_id", orgID.String()))
	return nil
}

// Override grants a time-boxed pause exemption and re-evaluates, resuming a
// paused organization for the override window. Overrides are never
// indefinite; the sweep re-pauses once the window passes.
func (s *SpendCapService) Override(ctx context.Context, orgID uuid.UUID, until time.Time, adminID uuid.UUID, reason string) error {
	sc, err := s.caps.FindByOrgID(ctx, orgID)
	if err != nil {
		return err
	}
	if err := sc.SetOverride(until, adminID, reason); err != nil {
		return err
	}

	err = s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
		if err := repos.SpendCaps.Save(ctx, sc); err != nil {
			return err
		}
		entry, err := billing.NewBillingEvent(LedgerSpendCapOverride, orgID, billing.ActorAdmin, &adminID, map[string]any{
			"override_until": until,
			"reason":         reason,
		}, "")
		if err != nil {
			return err
		}
		return repos.Ledger.Append(ctx, entry)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Spend cap override granted",
		zap.String("org_id", orgID.String()),
		zap.Time("until", until),
		zap.String("admin_id", adminID.String()))

	return s.Evaluate(ctx, orgID)
}

// ApplySpend accrues overage spend against the cap and re-evaluates.
// Organizations without a configured cap accrue nothing.
func (s *SpendCapService) ApplySpend(ctx context.Context, orgID uuid.UUID, cents int64) error {
	if cents <= 0 {
		return nil
	}
	sc, err := s.caps.AddSpend(ctx, orgID, cents)
	if err == shared.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.evaluate(ctx, sc)
}

// Evaluate re-checks the cap against accumulated spend and flips the pause
// flag when the verdict changed
func (s *SpendCapService) Evaluate(ctx context.Context, orgID uuid.UUID) error {
	sc, err := s.caps.FindByOrgID(ctx, orgID)
	if err == shared.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.evaluate(ctx, sc)
}

// evaluate persists a pause flip atomically with its ledger entry, then
// invalidates the cache so the next admission check sees the new flag
func (s *SpendCapService) evaluate(ctx context.Context, sc *billing.SpendCap) error {
	if !sc.Evaluate(time.Now()) {
		return nil
	}

	reason := ""
	ledgerType := LedgerOrgResumed
	if sc.IsPaused {
		reason = pauseReasonSpendCap
		ledgerType = LedgerOrgPaused
	}

	err := s.uow.Execute(ctx, func(ctx context.Context, repos billing.TxRepositories) error {
		if err := repos.SpendCaps.SetPaused(ctx, sc.OrgID, sc.IsPaused); err != nil {
			return err
		}
		if err := repos.Organizations.SetPaused(ctx, sc.OrgID, sc.IsPaused, reason); err != nil {
			return err
		}
		entry, err := billing.NewBillingEvent(ledgerType, sc.OrgID, billing.ActorSystem, nil, map[string]any{
			"cap_amount_cents":           sc.CapAmountCents,
			"current_period_spend_cents": sc.CurrentPeriodSpendCents,
		}, "")
		if err != nil {
			return err
		}
		return repos.Ledger.Append(ctx, entry)
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx, sc.OrgID)
	s.publishPauseChange(ctx, sc.OrgID, sc.IsPaused, reason)

	s.logger.Info("Pause flag flipped",
		zap.String("org_id", sc.OrgID.String()),
		zap.Bool("paused", sc.IsPaused),
		zap.Int64("spend_cents", sc.CurrentPeriodSpendCents),
		zap.Int64("cap_cents", sc.CapAmountCents))
	return nil
}

// IsPaused answers the serving-layer admission check. Cache hits avoid the
// database entirely; cache failures degrade to a database read rather than
// failing admission.
func (s *SpendCapService) IsPaused(ctx context.Context, orgID uuid.UUID) (bool, error) {
	if s.cache != nil {
		state, err := s.cache.Get(ctx, orgID)
		if err != nil {
			s.logger.Warn("Pause cache read failed, falling back to database",
				zap.String("org_id", orgID.String()),
				zap.Error(err))
		} else if state != nil {
			return state.Paused, nil
		}
	}

	org, err := s.orgs.FindByID(ctx, orgID)
	if err != nil {
		return false, err
	}

	if s.cache != nil {
		state := &billing.PauseState{
			Paused:   org.IsPaused,
			Reason:   org.PauseReason,
			CachedAt: time.Now(),
		}
		if err := s.cache.Set(ctx, orgID, state, 0); err != nil {
			s.logger.Warn("Pause cache write failed",
				zap.String("org_id", orgID.String()),
				zap.Error(err))
		}
	}
	return org.IsPaused, nil
}

// SweepOverCap re-evaluates organizations that are over cap but unpaused,
// catching overrides that expired between usage events. Returns the number
// of organizations paused by the sweep.
func (s *SpendCapService) SweepOverCap(ctx context.Context, now time.Time, limit int) (int, error) {
	caps, err := s.caps.FindOverCapUnpaused(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, sc := range caps {
		if err := ctx.Err(); err != nil {
			return flipped, err
		}
		if err := s.evaluate(ctx, sc); err != nil {
			s.logger.Error("Failed to evaluate spend cap in sweep",
				zap.String("org_id", sc.OrgID.String()),
				zap.Error(err))
			continue
		}
		if sc.IsPaused {
			flipped++
		}
	}
	return flipped, nil
}

func (s *SpendCapService) invalidateCache(ctx context.Context, orgID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, orgID); err != nil {
		s.logger.Warn("Failed to invalidate pause cache",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
	}
}

func (s *SpendCapService) publishPauseChange(ctx context.Context, orgID uuid.UUID, paused bool, reason string) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, NewPauseStateChangedEvent(orgID, paused, reason)); err != nil {
		s.logger.Error("Failed to publish pause state event", zap.Error(err))
	}
}
