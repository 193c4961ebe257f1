package cache

import (
	"context"
	"testing"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPauseCache_Get(t *testing.T) {
	cache := NewInMemoryPauseCache()
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	// Test cache miss
	state, err := cache.Get(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, state)

	// Set a state
	err = cache.Set(ctx, orgID, &billing.PauseState{
		Paused:   true,
		Reason:   "spend cap exceeded",
		CachedAt: time.Now(),
	}, 5*time.Second)
	require.NoError(t, err)

	// Test cache hit
	state, err = cache.Get(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Paused)
	assert.Equal(t, "spend cap exceeded", state.Reason)
}

func TestInMemoryPauseCache_SetNil(t *testing.T) {
	cache := NewInMemoryPauseCache()
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	// Set nil state (should be no-op)
	err := cache.Set(ctx, orgID, nil, 5*time.Second)
	require.NoError(t, err)

	state, err := cache.Get(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestInMemoryPauseCache_Delete(t *testing.T) {
	cache := NewInMemoryPauseCache()
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	err := cache.Set(ctx, orgID, &billing.PauseState{Paused: false, CachedAt: time.Now()}, 5*time.Second)
	require.NoError(t, err)

	// Delete it
	err = cache.Delete(ctx, orgID)
	require.NoError(t, err)

	// Verify it's gone
	state, err := cache.Get(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestInMemoryPauseCache_Expiration(t *testing.T) {
	cache := NewInMemoryPauseCache()
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	// Set with very short TTL
	err := cache.Set(ctx, orgID, &billing.PauseState{Paused: true, CachedAt: time.Now()}, 50*time.Millisecond)
	require.NoError(t, err)

	// Verify it's there
	state, err := cache.Get(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, state)

	// Wait for expiration
	time.Sleep(100 * time.Millisecond)

	// Verify it's expired
	state, err = cache.Get(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestInMemoryPauseCache_DefaultTTL(t *testing.T) {
	cache := NewInMemoryPauseCache(WithInMemoryConfig(billing.PauseCacheConfig{
		TTL: 50 * time.Millisecond,
	}))
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	// TTL of 0 uses the configured default
	err := cache.Set(ctx, orgID, &billing.PauseState{Paused: true, CachedAt: time.Now()}, 0)
	require.NoError(t, err)

	state, err := cache.Get(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, state)

	time.Sleep(100 * time.Millisecond)

	state, err = cache.Get(ctx, orgID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestInMemoryPauseCache_Stats(t *testing.T) {
	cache := NewInMemoryPauseCache()
	defer cache.Close()

	ctx := context.Background()
	orgID := uuid.New()

	_, _ = cache.Get(ctx, orgID) // miss

	err := cache.Set(ctx, orgID, &billing.PauseState{Paused: true, CachedAt: time.Now()}, 5*time.Second)
	require.NoError(t, err)

	_, _ = cache.Get(ctx, orgID) // hit

	hits, misses := cache.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, cache.Count())
}

func TestInMemoryPauseCache_CloseIdempotent(t *testing.T) {
	cache := NewInMemoryPauseCache()

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
}
