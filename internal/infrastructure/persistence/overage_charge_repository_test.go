package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupOverageChargeTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&OverageChargeModel{}, &InstantChargeModel{})
	require.NoError(t, err)

	return db
}

func testPeriod(t *testing.T) billing.Period {
	t.Helper()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return billing.Period{Start: start, End: start.AddDate(0, 1, 0)}
}

func createTestOverageCharge(t *testing.T, orgID uuid.UUID, baseLimit, rate int64) *billing.OverageCharge {
	t.Helper()
	charge, err := billing.NewOverageCharge(orgID, testPeriod(t), billing.ResourceAPICalls, baseLimit, rate)
	require.NoError(t, err)
	return charge
}

func TestOverageChargeRepository_UpsertIncrement(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	t.Run("creates the accumulator on first usage", func(t *testing.T) {
		orgID := uuid.New()
		charge := createTestOverageCharge(t, orgID, 100, 5)

		current, err := repo.UpsertIncrement(ctx, charge, 40)
		require.NoError(t, err)
		assert.Equal(t, int64(40), current.ActualUsage)
		assert.Equal(t, int64(0), current.OverageAmount)
		assert.Equal(t, int64(0), current.TotalChargeCents)
	})

	t.Run("accumulates usage and derives the charge", func(t *testing.T) {
		orgID := uuid.New()
		charge := createTestOverageCharge(t, orgID, 100, 5)

		_, err := repo.UpsertIncrement(ctx, charge, 80)
		require.NoError(t, err)

		current, err := repo.UpsertIncrement(ctx, charge, 70)
		require.NoError(t, err)
		assert.Equal(t, int64(150), current.ActualUsage)
		assert.Equal(t, int64(50), current.OverageAmount)
		assert.Equal(t, int64(250), current.TotalChargeCents)
	})

	t.Run("unlimited base limit never accrues a charge", func(t *testing.T) {
		orgID := uuid.New()
		charge := createTestOverageCharge(t, orgID, -1, 5)

		current, err := repo.UpsertIncrement(ctx, charge, 1_000_000)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), current.ActualUsage)
		assert.Equal(t, int64(0), current.OverageAmount)
		assert.Equal(t, int64(0), current.TotalChargeCents)
	})

	t.Run("keys accumulators by resource type", func(t *testing.T) {
		orgID := uuid.New()
		apiCharge := createTestOverageCharge(t, orgID, 100, 5)
		computeCharge, err := billing.NewOverageCharge(orgID, testPeriod(t), billing.ResourceComputeMinutes, 50, 10)
		require.NoError(t, err)

		_, err = repo.UpsertIncrement(ctx, apiCharge, 30)
		require.NoError(t, err)
		current, err := repo.UpsertIncrement(ctx, computeCharge, 20)
		require.NoError(t, err)

		assert.Equal(t, int64(20), current.ActualUsage)

		charges, err := repo.FindByOrg(ctx, orgID, 10, 0)
		require.NoError(t, err)
		assert.Len(t, charges, 2)
	})
}

func TestOverageChargeRepository_Find(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	t.Run("returns not found for an unseen key", func(t *testing.T) {
		_, err := repo.Find(ctx, uuid.New(), testPeriod(t).Start, billing.ResourceAPICalls)
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestOverageChargeRepository_UpdateStatus(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	t.Run("transitions the status", func(t *testing.T) {
		orgID := uuid.New()
		charge := createTestOverageCharge(t, orgID, 100, 5)
		current, err := repo.UpsertIncrement(ctx, charge, 150)
		require.NoError(t, err)

		err = repo.UpdateStatus(ctx, current.ID, billing.OverageChargeInvoiced)
		require.NoError(t, err)

		found, err := repo.Find(ctx, orgID, charge.PeriodStart, billing.ResourceAPICalls)
		require.NoError(t, err)
		assert.Equal(t, billing.OverageChargeInvoiced, found.Status)
	})

	t.Run("returns not found for an unknown charge", func(t *testing.T) {
		err := repo.UpdateStatus(ctx, uuid.New(), billing.OverageChargePaid)
		assert.Equal(t, shared.ErrNotFound, err)
	})
}

func TestOverageChargeRepository_CreateInstantChargeOnce(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	t.Run("fires exactly once per threshold crossing", func(t *testing.T) {
		orgID := uuid.New()
		period := testPeriod(t)

		first, err := billing.NewInstantCharge(orgID, period.Start, 10_000, 10_000)
		require.NoError(t, err)
		require.NoError(t, repo.CreateInstantChargeOnce(ctx, first))

		racer, err := billing.NewInstantCharge(orgID, period.Start, 10_000, 10_000)
		require.NoError(t, err)
		err = repo.CreateInstantChargeOnce(ctx, racer)
		assert.Equal(t, shared.ErrAlreadyExists, err)
	})

	t.Run("distinct thresholds each fire", func(t *testing.T) {
		orgID := uuid.New()
		period := testPeriod(t)

		for _, threshold := range []int64{10_000, 20_000} {
			charge, err := billing.NewInstantCharge(orgID, period.Start, threshold, 10_000)
			require.NoError(t, err)
			require.NoError(t, repo.CreateInstantChargeOnce(ctx, charge))
		}

		charges, err := repo.FindInstantCharges(ctx, orgID, period.Start)
		require.NoError(t, err)
		require.Len(t, charges, 2)
		assert.Equal(t, int64(10_000), charges[0].ThresholdCents)
		assert.Equal(t, int64(20_000), charges[1].ThresholdCents)
	})
}

func TestOverageChargeRepository_UpdateInstantCharge(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	orgID := uuid.New()
	period := testPeriod(t)

	charge, err := billing.NewInstantCharge(orgID, period.Start, 10_000, 10_000)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInstantChargeOnce(ctx, charge))

	charge.MarkSubmitted("ch_123")
	require.NoError(t, repo.UpdateInstantCharge(ctx, charge))

	charges, err := repo.FindInstantCharges(ctx, orgID, period.Start)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "ch_123", charges[0].StripeChargeID)
	assert.Equal(t, billing.InstantChargeSubmitted, charges[0].Status)
}

func TestOverageChargeRepository_FindFailedInstantCharges(t *testing.T) {
	db := setupOverageChargeTestDB(t)
	repo := NewOverageChargeRepository(db)
	ctx := context.Background()

	period := testPeriod(t)

	failed, err := billing.NewInstantCharge(uuid.New(), period.Start, 10_000, 12_000)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInstantChargeOnce(ctx, failed))
	failed.MarkFailed("stripe: timeout")
	require.NoError(t, repo.UpdateInstantCharge(ctx, failed))

	submitted, err := billing.NewInstantCharge(uuid.New(), period.Start, 10_000, 11_000)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInstantChargeOnce(ctx, submitted))
	submitted.MarkSubmitted("ch_ok")
	require.NoError(t, repo.UpdateInstantCharge(ctx, submitted))

	found, err := repo.FindFailedInstantCharges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, failed.ID, found[0].ID)
	assert.Equal(t, billing.InstantChargeFailed, found[0].Status)
	assert.Equal(t, "stripe: timeout", found[0].LastError)
}
