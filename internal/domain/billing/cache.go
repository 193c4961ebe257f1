package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PauseState is the cached answer to "is this organization paused". The
// serving layer checks it on every metered request, so lookups must stay off
// the database hot path. The database row remains the source of truth; the
// cache is invalidated whenever the enforcer flips the flag, and the short
// TTL bounds staleness when an invalidation is lost.
type PauseState struct {
	Paused   bool      `json:"paused"`
	Reason   string    `json:"reason,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

// PauseCache caches pause flags keyed by organization ID
type PauseCache interface {
	// Get retrieves the cached pause state for an organization.
	// Returns nil, nil on a cache miss.
	Get(ctx context.Context, orgID uuid.UUID) (*PauseState, error)

	// Set stores the pause state with the specified TTL.
	// If ttl is 0, the implementation uses its default TTL.
	Set(ctx context.Context, orgID uuid.UUID, state *PauseState, ttl time.Duration) error

	// Delete removes the cached state. Called on every pause flag flip so
	// the next read goes to the database.
	Delete(ctx context.Context, orgID uuid.UUID) error

	// Close releases any resources held by the cache.
	Close() error
}

// PauseCacheConfig holds configuration for the pause-flag cache
type PauseCacheConfig struct {
	// TTL is the time-to-live for cached pause states (default: 5s)
	TTL time.Duration
}

// DefaultPauseCacheConfig returns the default cache configuration
func DefaultPauseCacheConfig() PauseCacheConfig {
	return PauseCacheConfig{
		TTL: 5 * time.Second,
	}
}
