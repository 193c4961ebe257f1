package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Constants for in-memory cache configuration
const (
	defaultCleanupInterval = 30 * time.Second
)

// InMemoryPauseCache implements PauseCache using in-memory storage.
// Suitable for single-instance deployments and testing; in a multi-instance
// deployment the Redis cache must be used so pause flips propagate.
type InMemoryPauseCache struct {
	states  sync.Map // map[uuid.UUID]*pauseEntry
	config  billing.PauseCacheConfig
	logger  *zap.Logger
	stopCh  chan struct{} // Channel to stop the cleanup goroutine
	stopped int32         // Atomic flag to track if cache is stopped

	// Stats for monitoring
	hits   int64
	misses int64
}

// pauseEntry wraps a cached pause state with expiration time
type pauseEntry struct {
	state     *billing.PauseState
	expiresAt time.Time
}

// isExpired checks if the cache entry has expired
func (e *pauseEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// InMemoryPauseCacheOption is a functional option for configuring the cache
type InMemoryPauseCacheOption func(*InMemoryPauseCache)

// WithInMemoryConfig sets the cache configuration
func WithInMemoryConfig(config billing.PauseCacheConfig) InMemoryPauseCacheOption {
	return func(c *InMemoryPauseCache) {
		c.config = config
	}
}

// WithInMemoryLogger sets the logger for the cache
func WithInMemoryLogger(logger *zap.Logger) InMemoryPauseCacheOption {
	return func(c *InMemoryPauseCache) {
		c.logger = logger
	}
}

// NewInMemoryPauseCache creates a new in-memory pause-flag cache
func NewInMemoryPauseCache(opts ...InMemoryPauseCacheOption) *InMemoryPauseCache {
	cache := &InMemoryPauseCache{
		config: billing.DefaultPauseCacheConfig(),
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cache)
	}

	// Start background cleanup goroutine
	go cache.cleanupExpired()

	return cache
}

// Get retrieves the cached pause state for an organization
func (c *InMemoryPauseCache) Get(ctx context.Context, orgID uuid.UUID) (*billing.PauseState, error) {
	if value, ok := c.states.Load(orgID); ok {
		entry := value.(*pauseEntry)
		if !entry.isExpired() {
			atomic.AddInt64(&c.hits, 1)
			c.logger.Debug("Cache hit for pause state", zap.String("org_id", orgID.String()))
			return entry.state, nil
		}
		// Expired, remove from cache
		c.states.Delete(orgID)
	}

	atomic.AddInt64(&c.misses, 1)
	c.logger.Debug("Cache miss for pause state", zap.String("org_id", orgID.String()))
	return nil, nil
}

// Set stores the pause state in cache
func (c *InMemoryPauseCache) Set(ctx context.Context, orgID uuid.UUID, state *billing.PauseState, ttl time.Duration) error {
	if state == nil {
		return nil
	}

	if ttl == 0 {
		ttl = c.config.TTL
	}

	entry := &pauseEntry{
		state:     state,
		expiresAt: time.Now().Add(ttl),
	}

	c.states.Store(orgID, entry)
	c.logger.Debug("Cached pause state",
		zap.String("org_id", orgID.String()),
		zap.Bool("paused", state.Paused),
		zap.Duration("ttl", ttl))
	return nil
}

// Delete removes the cached pause state for an organization
func (c *InMemoryPauseCache) Delete(ctx context.Context, orgID uuid.UUID) error {
	c.states.Delete(orgID)
	c.logger.Debug("Deleted pause state from cache", zap.String("org_id", orgID.String()))
	return nil
}

// Close releases any resources held by the cache
func (c *InMemoryPauseCache) Close() error {
	// Only close once
	if atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		close(c.stopCh)
	}
	return nil
}

// GetStats returns cache statistics
func (c *InMemoryPauseCache) GetStats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Count returns the number of entries in the cache
func (c *InMemoryPauseCache) Count() (count int) {
	c.states.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// cleanupExpired periodically removes expired entries from the cache
func (c *InMemoryPauseCache) cleanupExpired() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Panic in cache cleanup",
							zap.Any("panic", r))
					}
				}()
				c.doCleanup()
			}()
		}
	}
}

// doCleanup removes expired entries
func (c *InMemoryPauseCache) doCleanup() {
	var removed int

	c.states.Range(func(key, value any) bool {
		entry := value.(*pauseEntry)
		if entry.isExpired() {
			c.states.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		c.logger.Debug("Cleaned up expired pause cache entries",
			zap.Int("removed", removed))
	}
}

// Ensure InMemoryPauseCache implements PauseCache
var _ billing.PauseCache = (*InMemoryPauseCache)(nil)
