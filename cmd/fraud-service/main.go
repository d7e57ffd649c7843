package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/billing"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/blocklist"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fraud"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/quota"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/risk"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/scheduler"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/database"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/eventbus"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/health"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/middleware"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/ratelimit"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/redis"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/secrets"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/tracing"
	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/timeout"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	serviceName    = "fraud-service"
	maxRequestBody = 64 << 10
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secret references (vault://, aws-sm://, gcp-sm://, file://) in the config
	secretResolver := secrets.NewResolver(cfg.Secrets)
	if err := secretResolver.ResolveConfig(ctx, cfg); err != nil {
		logger.Fatal("Failed to resolve secrets", zap.Error(err))
	}
	defer secretResolver.Close()

	policy, err := config.LoadPolicy(cfg.Fraud.PolicyFile)
	if err != nil {
		logger.Fatal("Invalid fraud policy", zap.Error(err))
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Server.Environment,
			Release:          serviceName + "@" + cfg.Server.Version,
			EnableTracing:    cfg.Sentry.TracesSampleRate > 0,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			logger.Warn("Failed to initialize Sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, cfg.Server.Version, cfg.Server.Environment)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Database
	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(&cfg.Database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied")
	}
	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(pool)
	logger.Info("Connected to PostgreSQL database")

	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	publisher, err := eventbus.New(cfg.Events)
	if err != nil {
		logger.Fatal("Failed to connect event bus", zap.Error(err), zap.String("backend", cfg.Events.Backend))
	}
	defer publisher.Close()

	// Blocklist
	blocklistManager := blocklist.NewManager(blocklist.NewRepository(pool), policy.DisposableDomains)
	if err := blocklistManager.Refresh(ctx); err != nil {
		logger.Warn("Initial blocklist load failed, serving built-in lists", zap.Error(err))
	}
	blocklistManager.StartAutoRefresh(ctx, cfg.Fraud.BlocklistRefreshInterval)

	// Fingerprints
	classifier, err := fingerprint.NewClassifier(cfg.Network)
	if err != nil {
		logger.Fatal("Invalid network intelligence config", zap.Error(err))
	}
	hasher := fingerprint.NewHasher(cfg.Network.DeviceHashKey)
	fingerprintRepo := fingerprint.NewRepository(pool)
	fingerprintService := fingerprint.NewService(fingerprintRepo, classifier, hasher)

	// Duplicates
	detector := duplicates.NewDetector(duplicates.NewRepository(pool), fingerprintRepo, policy.Detector)

	// Tiers
	billingRepo := billing.NewRepository(pool)
	var upstream billing.TierResolver
	switch cfg.Fraud.TierResolver {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			logger.Fatal("FRAUD_TIER_RESOLVER=stripe requires STRIPE_SECRET_KEY")
		}
		upstream = billing.NewStripeResolver(billingRepo, billing.NewStripeRetriever(cfg.Stripe.SecretKey), cfg.Stripe.PriceTiers, policy)
	default:
		upstream = billing.NewDatabaseResolver(billingRepo, policy)
	}
	tierResolver := billing.NewCachedResolver(upstream, billingRepo, redisClient, cfg.Fraud.TierCacheTTL, policy)

	// Quota
	quotaService := quota.NewService(quota.NewRepository(pool), policy, cfg.Fraud.UpgradeURL)

	// Orchestrator
	activityLog := fraud.NewActivityLog(fraud.NewRepository(pool), publisher)
	deps := fraud.Dependencies{
		Blocklist:    blocklistManager,
		Fingerprints: fingerprintService,
		Quota:        quotaService,
		Tiers:        tierResolver,
		Duplicates:   detector,
		Scorer:       risk.NewScorer(policy.Risk),
		Activities:   activityLog,
	}
	if cfg.RateLimit.Enabled {
		deps.Velocity = ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
	}
	fraudService := fraud.NewService(deps, policy, fraud.Options{
		UpgradeURL:             cfg.Fraud.UpgradeURL,
		DuplicateLookupTimeout: cfg.Fraud.DuplicateLookupTimeout,
		AutoBlockCriticalIP:    cfg.Fraud.AutoBlockCriticalIP,
	})

	// Handlers
	fraudHandler := fraud.NewHandler(fraudService, activityLog, detector, quotaService, hasher, policy.DefaultTier)
	quotaHandler := quota.NewHandler(quotaService, tierResolver)
	blocklistHandler := blocklist.NewHandler(blocklistManager)
	billingHandler := billing.NewHandler(billingRepo, tierResolver)

	// Background jobs
	worker := scheduler.NewWorker(quotaService, detector, logger.Get(), scheduler.Config{
		TrialSweepInterval:    cfg.Fraud.TrialSweepInterval,
		DuplicateScanInterval: cfg.Fraud.DuplicateScanInterval,
		DuplicateScanLookback: cfg.Fraud.DuplicateScanLookback,
		DuplicateScanBatch:    cfg.Fraud.DuplicateScanBatchSize,
	})
	go worker.Start(ctx)

	// Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics(serviceName))
	router.Use(tracing.Middleware(serviceName))
	router.Use(middleware.MaxBodySize(maxRequestBody))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.Server.CORSOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"}
	router.Use(cors.New(corsConfig))

	// Health check and metrics (no auth required)
	router.GET("/healthz", common.HealthCheckWithDeps(serviceName, cfg.Server.Version, 2*time.Second, map[string]common.CheckFunc{
		"database": health.PoolChecker(pool),
		"redis":    health.RedisChecker(redisClient.Client),
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jwtSecret := cfg.JWT.Secret

	public := router.Group("/api/v1/fraud",
		middleware.OptionalAuth(jwtSecret),
		timeout.New(
			timeout.WithTimeout(cfg.Fraud.CheckTimeout),
			timeout.WithResponse(func(c *gin.Context) {
				common.ErrorResponse(c, http.StatusServiceUnavailable, "fraud check timed out")
			}),
		),
	)
	user := router.Group("/api/v1/fraud", middleware.AuthMiddleware(jwtSecret))
	admin := router.Group("/api/v1/admin/fraud", middleware.AuthMiddleware(jwtSecret), middleware.RequireAdmin())
	internal := router.Group("/internal/v1",
		middleware.AuthMiddleware(jwtSecret),
		middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin),
	)

	fraudHandler.RegisterRoutes(public, admin, internal)
	quotaHandler.RegisterRoutes(user, admin)
	blocklistHandler.RegisterRoutes(admin)
	billingHandler.RegisterRoutes(internal)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Fraud service starting",
			zap.String("port", cfg.Server.Port),
			zap.String("tier_resolver", cfg.Fraud.TierResolver),
			zap.String("events_backend", cfg.Events.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down fraud service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
