package cache

import (
	"fmt"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// PauseCacheFactory creates pause-flag caches based on configuration
type PauseCacheFactory struct {
	redisConfig           config.RedisConfig
	cacheConfig           billing.PauseCacheConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// PauseCacheFactoryOption is a functional option for configuring the factory
type PauseCacheFactoryOption func(*PauseCacheFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) PauseCacheFactoryOption {
	return func(f *PauseCacheFactory) {
		f.logger = logger
	}
}

// WithPauseCacheConfig sets the cache configuration passed to created caches
func WithPauseCacheConfig(cfg billing.PauseCacheConfig) PauseCacheFactoryOption {
	return func(f *PauseCacheFactory) {
		f.cacheConfig = cfg
	}
}

// WithInMemoryFallback controls whether to fall back to an in-memory cache
// when Redis is unavailable. Default is true (allow fallback).
func WithInMemoryFallback(allow bool) PauseCacheFactoryOption {
	return func(f *PauseCacheFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewPauseCacheFactory creates a new factory
func NewPauseCacheFactory(cfg config.RedisConfig, opts ...PauseCacheFactoryOption) *PauseCacheFactory {
	f := &PauseCacheFactory{
		redisConfig:           cfg,
		cacheConfig:           billing.DefaultPauseCacheConfig(),
		logger:                zap.NewNop(),
		allowInMemoryFallback: true, // Default to allowing fallback
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedisCache creates a Redis-based pause cache
func (f *PauseCacheFactory) CreateRedisCache() (billing.PauseCache, error) {
	redisCfg := RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	}

	cache, err := NewRedisPauseCache(redisCfg,
		WithCacheConfig(f.cacheConfig),
		WithCacheLogger(f.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis pause cache: %w", err)
	}

	return cache, nil
}

// CreateInMemoryCache creates an in-memory pause cache
// WARNING: In-memory caches do not share state across process instances.
// A pause flipped on one instance stays invisible on others until their
// TTL expires, so only the short TTL bounds enforcement lag.
func (f *PauseCacheFactory) CreateInMemoryCache() billing.PauseCache {
	return NewInMemoryPauseCache(
		WithInMemoryConfig(f.cacheConfig),
		WithInMemoryLogger(f.logger))
}

// CreateCache creates a pause cache based on whether Redis is available.
// It tries Redis first and falls back to in-memory if Redis is not available
// and AllowInMemoryFallback is true.
func (f *PauseCacheFactory) CreateCache() (billing.PauseCache, error) {
	// Try Redis first
	cache, err := f.CreateRedisCache()
	if err == nil {
		f.logger.Info("using Redis pause cache")
		return cache, nil
	}

	// Check if fallback is allowed
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for pause cache but unavailable: %w", err)
	}

	// Fall back to in-memory with warning
	f.logger.Warn("Redis unavailable, falling back to in-memory pause cache. "+
		"Pause flips will only propagate across instances via TTL expiry.",
		zap.Error(err),
	)
	return f.CreateInMemoryCache(), nil
}
