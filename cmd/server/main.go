package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/infrastructure/auth"
	billinginfra "github.com/entitle/backend/internal/infrastructure/billing"
	"github.com/entitle/backend/internal/infrastructure/cache"
	"github.com/entitle/backend/internal/infrastructure/config"
	"github.com/entitle/backend/internal/infrastructure/event"
	"github.com/entitle/backend/internal/infrastructure/logger"
	"github.com/entitle/backend/internal/infrastructure/persistence"
	"github.com/entitle/backend/internal/infrastructure/scheduler"
	"github.com/entitle/backend/internal/infrastructure/telemetry"
	"github.com/entitle/backend/internal/interfaces/http/handler"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/entitle/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Entitle Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Telemetry providers (no-op when disabled)
	ctx := context.Background()
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Register database query tracing when enabled
	dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
	}, log)
	if err := dbTracing.RegisterOtelGorm(db.DB); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	// Initialize repositories
	orgRepo := persistence.NewOrganizationRepository(db.DB)
	subRepo := persistence.NewSubscriptionRepository(db.DB)
	webhookEventRepo := persistence.NewWebhookEventRepository(db.DB)
	overageRepo := persistence.NewOverageChargeRepository(db.DB)
	spendCapRepo := persistence.NewSpendCapRepository(db.DB)
	ledgerRepo := persistence.NewBillingEventRepository(db.DB)
	uow := persistence.NewGormUnitOfWork(db.DB)

	// Pause-flag cache: Redis with in-memory fallback for development
	cacheFactory := cache.NewPauseCacheFactory(cfg.Redis, cache.WithLogger(log))
	pauseCache, err := cacheFactory.CreateCache()
	if err != nil {
		log.Fatal("Failed to create pause cache", zap.Error(err))
	}

	// Stripe gateway for instant charges, credits, and refunds
	stripeConfig := billinginfra.DefaultStripeConfig()
	stripeConfig.SecretKey = cfg.Stripe.APIKey
	stripeConfig.WebhookSecret = cfg.Stripe.WebhookSecret
	stripeConfig.IsTestMode = cfg.App.Env != "production"
	gateway, err := billinginfra.NewStripeAdapter(stripeConfig, log)
	if err != nil {
		log.Fatal("Failed to initialize Stripe adapter", zap.Error(err))
	}

	// In-memory event bus for post-commit notifications
	eventBus := event.NewInMemoryEventBus(log)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Error stopping event bus", zap.Error(err))
		}
	}()

	// Initialize application services
	tierConfig := billingapp.TierServiceConfig{
		MaxVersionRetries: cfg.Billing.MaxVersionRetries,
		RetryBackoffBase:  cfg.Billing.RetryBackoffBase,
	}
	tierService := billingapp.NewTierService(uow, orgRepo, subRepo, eventBus, log, tierConfig)

	spendCapService := billingapp.NewSpendCapService(uow, spendCapRepo, orgRepo, pauseCache, eventBus, log)

	overageService := billingapp.NewOverageMeterService(
		overageRepo, orgRepo, subRepo, ledgerRepo, webhookEventRepo,
		gateway, spendCapService, eventBus, log,
		billingapp.OverageMeterConfig{
			InstantChargeThresholdCents: cfg.Billing.InstantChargeThresholdCents,
			SubmitRetries:               cfg.Billing.OverageChargeRetries,
			SubmitBackoff:               cfg.Billing.OverageRetryBackoff,
		})

	idempotencyGate := billingapp.NewIdempotencyGate(webhookEventRepo, billingapp.IdempotencyGateConfig{
		ClaimTimeout: cfg.Billing.EventClaimTimeout,
		MaxAttempts:  cfg.Billing.MaxEventAttempts,
	}, log)

	webhookService := billingapp.NewWebhookService(idempotencyGate, tierService, subRepo, log,
		billingapp.WebhookServiceConfig{
			WebhookSecret:     cfg.Stripe.WebhookSecret,
			SignatureRequired: cfg.Stripe.SignatureRequired,
		})

	queryService := billingapp.NewQueryService(
		orgRepo, subRepo, overageRepo, spendCapRepo, ledgerRepo, webhookEventRepo, log)

	adminService := billingapp.NewAdminService(
		tierService, spendCapService, subRepo, ledgerRepo, gateway, log)

	downgradeService := billingapp.NewDowngradeService(uow, orgRepo, subRepo, eventBus, log, tierConfig)

	// Billing gauges collected on an interval when telemetry is on
	if meterProvider.IsEnabled() {
		billingMetrics, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
			Meter:         meterProvider.Meter("entitle.billing"),
			Logger:        log,
			StateProvider: persistence.NewBillingStateProvider(db.DB),
		})
		if err != nil {
			log.Fatal("Failed to initialize billing metrics", zap.Error(err))
		}
		billingMetrics.StartPeriodicCollection(ctx, time.Minute)
	}

	// Background worker: downgrade poll, stale-claim sweep, spend-cap sweep,
	// webhook claim recovery
	if cfg.Scheduler.Enabled {
		workerConfig := scheduler.BillingWorkerConfig{
			Enabled:                cfg.Scheduler.Enabled,
			DowngradePollInterval:  cfg.Scheduler.DowngradePollInterval,
			DowngradeBatchSize:     cfg.Scheduler.DowngradeBatchSize,
			StaleClaimSweepEvery:   cfg.Scheduler.StaleClaimSweepEvery,
			StaleClaimThreshold:    cfg.Scheduler.StaleClaimThreshold,
			SpendCapSweepInterval:  cfg.Scheduler.SpendCapSweepInterval,
			CapSweepBatchSize:      cfg.Billing.CapSweepBatchSize,
			WebhookRecoverySweep:   cfg.Scheduler.WebhookRecoverySweep,
			WebhookRecoveryEnabled: cfg.Scheduler.WebhookRecoveryEnabled,
			ChargeReplayInterval:   cfg.Scheduler.ChargeReplayInterval,
			ChargeReplayBatchSize:  cfg.Scheduler.ChargeReplayBatchSize,
			JobTimeout:             cfg.Scheduler.JobTimeout,
		}
		billingWorker, err := scheduler.NewBillingWorker(
			workerConfig, downgradeService, spendCapService, idempotencyGate, overageService, log)
		if err != nil {
			log.Fatal("Failed to create billing worker", zap.Error(err))
		}
		if err := billingWorker.Start(ctx); err != nil {
			log.Fatal("Failed to start billing worker", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGracePeriod)
			defer cancel()
			if err := billingWorker.Stop(stopCtx); err != nil {
				log.Error("Error stopping billing worker", zap.Error(err))
			}
		}()
		log.Info("Billing worker started",
			zap.Duration("downgrade_poll_interval", workerConfig.DowngradePollInterval),
			zap.Duration("spend_cap_sweep_interval", workerConfig.SpendCapSweepInterval),
		)
	}

	// Initialize HTTP handlers
	webhookHandler := handler.NewWebhookHandler(webhookService)
	subscriptionHandler := handler.NewSubscriptionHandler(tierService, subRepo)
	usageHandler := handler.NewUsageHandler(overageService)
	entitlementHandler := handler.NewEntitlementHandler(queryService, spendCapService)
	adminHandler := handler.NewAdminHandler(adminService)
	systemHandler := handler.NewSystemHandler(cfg.App.Name, cfg.App.Env)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Engine-level middleware, applied to every surface
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: meterProvider,
		ServiceName:   cfg.Telemetry.ServiceName,
		Enabled:       cfg.Telemetry.Enabled,
	}))

	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	// Body size limit
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Global per-IP rate limiting (if enabled)
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db, log))

	// JWT authentication for the API surface; provider webhooks stay public
	jwtService := auth.NewJWTService(cfg.JWT)
	authConfig := middleware.DefaultAuthConfig(jwtService)
	authConfig.SkipPaths = append(authConfig.SkipPaths,
		"/api/v1/system/ping",
		"/api/v1/system/info",
	)
	authConfig.Logger = log
	authn := middleware.AuthMiddlewareWithConfig(authConfig)

	// Stricter per-org limiter for the usage ingestion endpoint
	usageLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)

	r := router.NewRouter(engine,
		router.WithAPIVersion("v1"),
		router.WithAPIMiddleware(authn),
		router.WithAdminMiddleware(authn, middleware.RequireAdmin()),
	)

	r.RegisterPublic("/webhooks", webhookHandler)
	r.Register(subscriptionHandler).
		Register(entitlementHandler).
		Register(withRouteMiddleware(usageHandler, middleware.UsageRateLimit(usageLimiter))).
		Register(systemRegistrar(systemHandler))
	r.RegisterAdmin(adminHandler)
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// withRouteMiddleware wraps a registrar so its routes run through extra
// middleware without leaking it onto the rest of the surface
func withRouteMiddleware(inner router.RouteRegistrar, mw ...gin.HandlerFunc) router.RouteRegistrar {
	return registrarFunc(func(rg *gin.RouterGroup) {
		inner.RegisterRoutes(rg.Group("", mw...))
	})
}

// systemRegistrar mounts the system info endpoints under /system
func systemRegistrar(h *handler.SystemHandler) router.RouteRegistrar {
	return registrarFunc(func(rg *gin.RouterGroup) {
		system := rg.Group("/system")
		system.GET("/info", h.GetSystemInfo)
		system.GET("/ping", h.Ping)
	})
}

type registrarFunc func(rg *gin.RouterGroup)

func (f registrarFunc) RegisterRoutes(rg *gin.RouterGroup) {
	f(rg)
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database, _ *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		body := gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		}
		if stats, err := db.Stats(); err == nil {
			body["db_pool"] = gin.H{
				"open":    stats.OpenConnections,
				"in_use":  stats.InUse,
				"idle":    stats.Idle,
				"max":     stats.MaxOpenConnections,
				"waiting": stats.WaitCount,
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
