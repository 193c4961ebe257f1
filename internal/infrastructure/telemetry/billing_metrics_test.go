package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/entitle/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

func TestNewBillingMetrics(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter:  meter,
		Logger: zap.NewNop(),
	})

	require.NoError(t, err)
	require.NotNil(t, bm)
}

func TestNewBillingMetrics_NilMeter(t *testing.T) {
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter:  nil,
		Logger: zap.NewNop(),
	})

	require.Error(t, err)
	assert.Nil(t, bm)
	assert.Equal(t, "NewBillingMetrics: meter cannot be nil", err.Error())
}

func TestBillingMetrics_RecordWebhookAdmitted(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic
	bm.RecordWebhookAdmitted(ctx, "stripe", telemetry.AdmitOutcomeAccepted)
	bm.RecordWebhookAdmitted(ctx, "stripe", telemetry.AdmitOutcomeDuplicate)
	bm.RecordWebhookAdmitted(ctx, "stripe", telemetry.AdmitOutcomeStale)
}

func TestBillingMetrics_RecordTierTransition(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()
	orgID := uuid.New()

	// Should not panic
	bm.RecordTierTransition(ctx, orgID, "free", "pro")
	bm.RecordTierTransition(ctx, orgID, "team", "pro")
	bm.RecordVersionConflict(ctx, orgID)
}

func TestBillingMetrics_RecordCharges(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()
	orgID := uuid.New()

	// Should not panic
	bm.RecordInstantCharge(ctx, orgID, "submitted")
	bm.RecordInstantCharge(ctx, orgID, "failed")
	bm.RecordOverageAccrued(ctx, orgID, "api_calls", 1500)
	bm.RecordSpendCapPause(ctx, orgID)
	bm.RecordAdminOverride(ctx, "grant_trial")
	bm.RecordDowngradeClaim(ctx, "won")
}

type stubStateProvider struct {
	paused    int64
	pending   int64
	pausedErr error
}

func (s *stubStateProvider) GetPausedOrgCount(ctx context.Context) (int64, error) {
	return s.paused, s.pausedErr
}

func (s *stubStateProvider) GetPendingDowngradeCount(ctx context.Context) (int64, error) {
	return s.pending, nil
}

func TestBillingMetrics_PeriodicCollection(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter:         meter,
		Logger:        zap.NewNop(),
		StateProvider: &stubStateProvider{paused: 3, pending: 7},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bm.StartPeriodicCollection(ctx, 10*time.Millisecond)

	// Let at least one collection pass happen
	time.Sleep(50 * time.Millisecond)
	bm.Stop()

	// Stop is idempotent
	bm.Stop()
}

func TestBillingMetrics_PeriodicCollectionProviderError(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
		Meter:         meter,
		Logger:        zap.NewNop(),
		StateProvider: &stubStateProvider{pausedErr: errors.New("db down")},
	})
	require.NoError(t, err)

	ctx := context.Background()
	bm.StartPeriodicCollection(ctx, 10*time.Millisecond)

	// Collection errors are logged, not fatal
	time.Sleep(30 * time.Millisecond)
	bm.Stop()
}
