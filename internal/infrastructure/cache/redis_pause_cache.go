package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPauseCache implements PauseCache using Redis
type RedisPauseCache struct {
	client     *redis.Client
	ownsClient bool // true if we created the client and should close it
	config     billing.PauseCacheConfig
	logger     *zap.Logger
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisPauseCacheOption is a functional option for configuring the cache
type RedisPauseCacheOption func(*RedisPauseCache)

// WithCacheConfig sets the cache configuration
func WithCacheConfig(config billing.PauseCacheConfig) RedisPauseCacheOption {
	return func(c *RedisPauseCache) {
		c.config = config
	}
}

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(logger *zap.Logger) RedisPauseCacheOption {
	return func(c *RedisPauseCache) {
		c.logger = logger
	}
}

// NewRedisPauseCache creates a new Redis-based pause-flag cache
func NewRedisPauseCache(cfg RedisConfig, opts ...RedisPauseCacheOption) (*RedisPauseCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	cache := &RedisPauseCache{
		client:     client,
		ownsClient: true, // We created this client, so we own it
		config:     billing.DefaultPauseCacheConfig(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache, nil
}

// NewRedisPauseCacheWithClient creates a cache with an existing Redis client
// Note: The caller retains ownership of the client and is responsible for closing it
func NewRedisPauseCacheWithClient(client *redis.Client, opts ...RedisPauseCacheOption) *RedisPauseCache {
	cache := &RedisPauseCache{
		client:     client,
		ownsClient: false, // Client is shared, don't close it
		config:     billing.DefaultPauseCacheConfig(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

// pauseCacheKey generates the cache key for an organization's pause state
func (c *RedisPauseCache) pauseCacheKey(orgID uuid.UUID) string {
	return fmt.Sprintf("billing:pause:%s", orgID.String())
}

// Get retrieves the cached pause state for an organization
func (c *RedisPauseCache) Get(ctx context.Context, orgID uuid.UUID) (*billing.PauseState, error) {
	cacheKey := c.pauseCacheKey(orgID)

	data, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		// Cache miss
		c.logger.Debug("Cache miss for pause state", zap.String("org_id", orgID.String()))
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Failed to get pause state from cache",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get pause state from cache: %w", err)
	}

	var state billing.PauseState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Error("Failed to unmarshal pause state",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		// Delete corrupted cache entry
		_ = c.client.Del(ctx, cacheKey)
		return nil, fmt.Errorf("failed to unmarshal pause state: %w", err)
	}

	c.logger.Debug("Cache hit for pause state", zap.String("org_id", orgID.String()))
	return &state, nil
}

// Set stores the pause state in cache
func (c *RedisPauseCache) Set(ctx context.Context, orgID uuid.UUID, state *billing.PauseState, ttl time.Duration) error {
	if state == nil {
		return nil
	}

	if ttl == 0 {
		ttl = c.config.TTL
	}

	cacheKey := c.pauseCacheKey(orgID)

	data, err := json.Marshal(state)
	if err != nil {
		c.logger.Error("Failed to marshal pause state",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to marshal pause state: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to set pause state in cache",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to set pause state in cache: %w", err)
	}

	c.logger.Debug("Cached pause state",
		zap.String("org_id", orgID.String()),
		zap.Bool("paused", state.Paused),
		zap.Duration("ttl", ttl))
	return nil
}

// Delete removes the cached pause state for an organization
func (c *RedisPauseCache) Delete(ctx context.Context, orgID uuid.UUID) error {
	cacheKey := c.pauseCacheKey(orgID)

	if err := c.client.Del(ctx, cacheKey).Err(); err != nil {
		c.logger.Error("Failed to delete pause state from cache",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to delete pause state from cache: %w", err)
	}

	c.logger.Debug("Deleted pause state from cache", zap.String("org_id", orgID.String()))
	return nil
}

// Close releases any resources held by the cache
func (c *RedisPauseCache) Close() error {
	// Only close client if we own it
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (c *RedisPauseCache) GetClient() *redis.Client {
	return c.client
}

// Ensure RedisPauseCache implements PauseCache
var _ billing.PauseCache = (*RedisPauseCache)(nil)
