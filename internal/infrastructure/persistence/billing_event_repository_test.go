package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupBillingEventTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&BillingEventModel{})
	require.NoError(t, err)

	return db
}

func appendTestLedgerEntry(t *testing.T, repo *BillingEventRepository, orgID uuid.UUID, eventType string, actor billing.ActorType, createdAt time.Time) *billing.BillingEvent {
	t.Helper()
	event, err := billing.NewBillingEvent(eventType, orgID, actor, nil, map[string]string{"tier": "pro"}, "evt_"+uuid.NewString()[:8])
	require.NoError(t, err)
	event.CreatedAt = createdAt
	require.NoError(t, repo.Append(context.Background(), event))
	return event
}

func TestBillingEventRepository_Append(t *testing.T) {
	db := setupBillingEventTestDB(t)
	repo := NewBillingEventRepository(db)
	ctx := context.Background()

	event, err := billing.NewBillingEvent("tier.changed", uuid.New(), billing.ActorStripe, nil,
		map[string]string{"from": "free", "to": "pro"}, "evt_123")
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, event))

	entries, err := repo.Query(ctx, billing.LedgerFilter{OrgID: &event.OrgID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tier.changed", entries[0].EventType)
	assert.Equal(t, billing.ActorStripe, entries[0].ActorType)
	assert.Equal(t, "evt_123", entries[0].ProviderEventID)
	assert.JSONEq(t, `{"from":"free","to":"pro"}`, string(entries[0].Payload))
}

func TestBillingEventRepository_Query(t *testing.T) {
	db := setupBillingEventTestDB(t)
	repo := NewBillingEventRepository(db)
	ctx := context.Background()

	orgA := uuid.New()
	orgB := uuid.New()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	appendTestLedgerEntry(t, repo, orgA, "tier.changed", billing.ActorStripe, base)
	appendTestLedgerEntry(t, repo, orgA, "spend_cap.paused", billing.ActorSystem, base.Add(time.Minute))
	appendTestLedgerEntry(t, repo, orgA, "tier.changed", billing.ActorAdmin, base.Add(2*time.Minute))
	appendTestLedgerEntry(t, repo, orgB, "tier.changed", billing.ActorUser, base.Add(3*time.Minute))

	t.Run("filters by organization newest first", func(t *testing.T) {
		entries, err := repo.Query(ctx, billing.LedgerFilter{OrgID: &orgA})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "tier.changed", entries[0].EventType)
		assert.Equal(t, billing.ActorAdmin, entries[0].ActorType)
		assert.Equal(t, "tier.changed", entries[2].EventType)
		assert.Equal(t, billing.ActorStripe, entries[2].ActorType)
	})

	t.Run("filters by actor type", func(t *testing.T) {
		actor := billing.ActorSystem
		entries, err := repo.Query(ctx, billing.LedgerFilter{OrgID: &orgA, ActorType: &actor})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "spend_cap.paused", entries[0].EventType)
	})

	t.Run("filters by event type", func(t *testing.T) {
		entries, err := repo.Query(ctx, billing.LedgerFilter{EventType: "tier.changed"})
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("filters by time window", func(t *testing.T) {
		from := base.Add(30 * time.Second)
		to := base.Add(150 * time.Second)
		entries, err := repo.Query(ctx, billing.LedgerFilter{OrgID: &orgA, From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "spend_cap.paused", entries[0].EventType)
	})

	t.Run("applies limit and offset", func(t *testing.T) {
		entries, err := repo.Query(ctx, billing.LedgerFilter{OrgID: &orgA, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "spend_cap.paused", entries[0].EventType)
	})
}

func TestBillingEventRepository_CountByProviderEvent(t *testing.T) {
	db := setupBillingEventTestDB(t)
	repo := NewBillingEventRepository(db)
	ctx := context.Background()

	orgID := uuid.New()
	event, err := billing.NewBillingEvent("tier.changed", orgID, billing.ActorStripe, nil, nil, "evt_shared")
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, event))

	count, err := repo.CountByProviderEvent(ctx, "evt_shared")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = repo.CountByProviderEvent(ctx, "evt_other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
