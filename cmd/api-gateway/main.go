package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/quizlearn-api/api/swagger"
	"github.com/noah-isme/quizlearn-api/internal/handler"
	"github.com/noah-isme/quizlearn-api/internal/middleware"
	"github.com/noah-isme/quizlearn-api/internal/models"
	"github.com/noah-isme/quizlearn-api/internal/repository"
	"github.com/noah-isme/quizlearn-api/internal/service"
	"github.com/noah-isme/quizlearn-api/pkg/cache"
	"github.com/noah-isme/quizlearn-api/pkg/config"
	"github.com/noah-isme/quizlearn-api/pkg/database"
	"github.com/noah-isme/quizlearn-api/pkg/events"
	"github.com/noah-isme/quizlearn-api/pkg/lightrag"
	"github.com/noah-isme/quizlearn-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/quizlearn-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/quizlearn-api/pkg/middleware/requestid"
	"github.com/noah-isme/quizlearn-api/pkg/search"
	"github.com/noah-isme/quizlearn-api/pkg/storage"
)

// @title QuizLearn Document API
// @version 1.0.0
// @description Course document ingestion and LightRAG synchronisation
// @BasePath /api
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck
	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			logr.Fatal("failed to apply schema", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache and rate limits", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	lightragClient, err := lightrag.NewClient(cfg.LightRAG,
		lightrag.WithLogger(logr.Named("lightrag")),
		lightrag.WithObserver(func(operation string, outcome lightrag.Outcome, duration time.Duration) {
			metricsSvc.ObserveLightRAGCall(operation, string(outcome), duration)
		}),
	)
	if err != nil {
		logr.Fatal("lightrag client misconfigured", zap.Error(err))
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		logr.Fatal("failed to init document storage", zap.Error(err))
	}
	signer := storage.NewDownloadSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)

	var index *search.Index
	if cfg.Search.Enabled {
		index = search.NewIndex(cfg.Search, logr.Named("search"))
	}

	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.NewPublisher(cfg.Events)
		if err != nil {
			logr.Warn("event publisher unavailable", zap.Error(err))
			publisher = nil
		} else {
			defer publisher.Close() //nolint:errcheck
		}
	}

	documentRepo := repository.NewDocumentRepository(db)
	quizRepo := repository.NewQuizDocumentRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var (
		cacheRepo service.CacheRepository
		locker    service.DocumentLocker = service.NewKeyedMutex()
		limiter   *cache.FixedWindowLimiter
	)
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, "quizlearn")
		locker = service.NewRedisDocumentLocker(cache.NewRedisLocker(redisClient, "quizlearn:lock", 2*time.Minute), 30*time.Second)
		if cfg.RateLimit.Enabled {
			limiter = cache.NewFixedWindowLimiter(redisClient, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Ingestion.PipelineStatusCacheTTL, logr, cacheRepo != nil)

	validate := validator.New()
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	statusSvc := service.NewDocumentStatusService(documentRepo, lightragClient, locker, publisher, index, metricsSvc, logr, service.DocumentStatusConfig{
		PollMaxAttempts: cfg.Ingestion.PollMaxAttempts,
		PollInterval:    cfg.Ingestion.PollInterval,
	})
	guard := service.NewConsistencyGuard(documentRepo, quizRepo, files, index, publisher, logr)
	deletionSvc := service.NewDocumentDeletionService(documentRepo, lightragClient, guard, locker, auditRepo, metricsSvc, logr, service.DocumentDeletionConfig{
		VerifyAttempts:       cfg.Ingestion.VerifyAttempts,
		VerifyInterval:       cfg.Ingestion.VerifyInterval,
		BusyRetryAfter:       cfg.Ingestion.BusyRetryAfter,
		DeleteBusyRetryAfter: cfg.Ingestion.DeleteBusyRetryAfter,
		DeleteFile:           true,
	})
	tracker := service.NewDocumentTracker(statusSvc, documentRepo, logr.Named("tracking"), service.DocumentTrackerConfig{
		Workers: cfg.Ingestion.TrackingWorkers,
	})
	uploadSvc := service.NewDocumentUploadService(documentRepo, lightragClient, files, index, publisher, auditRepo, metricsSvc, validate, logr, service.DocumentUploadConfig{
		MaxRetries:     cfg.Ingestion.UploadMaxRetries,
		BackoffBase:    cfg.Ingestion.UploadBackoffBase,
		BackoffMax:     cfg.Ingestion.UploadBackoffMax,
		BusyRetryAfter: cfg.Ingestion.BusyRetryAfter,
	})
	uploadSvc.SetTracker(tracker)
	catalogSvc := service.NewDocumentService(documentRepo, files, signer, index, auditRepo, validate, logr, service.DocumentServiceConfig{
		APIPrefix: cfg.APIPrefix,
	})
	adminSvc := service.NewLightRAGAdminService(lightragClient, cacheSvc, auditRepo, logr, service.LightRAGAdminConfig{
		PipelineCacheTTL: cfg.Ingestion.PipelineStatusCacheTTL,
		BusyRetryAfter:   cfg.Ingestion.BusyRetryAfter,
	})

	tracker.Start(ctx)
	if resumed, err := tracker.ResumeInFlight(ctx); err != nil {
		logr.Warn("failed to resume document tracking", zap.Error(err))
	} else if resumed > 0 {
		logr.Info("document tracking resumed", zap.Int("documents", resumed))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metricsSvc, readinessChecks(db, redisClient))
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler()
	documentHandler := handler.NewDocumentHandler(uploadSvc, catalogSvc, deletionSvc, statusSvc, tracker)
	adminHandler := handler.NewLightRAGAdminHandler(adminSvc, deletionSvc, catalogSvc, tracker)

	throttle := func(scope string) gin.HandlerFunc {
		if limiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimit(limiter, scope, logr)
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	api.GET("/auth/me", authHandler.Me)

	educator := api.Group("/educator/documents")
	educator.Use(middleware.RequireRoles(models.RoleEducator, models.RoleAdmin))
	{
		educator.POST("", throttle("documents:upload"), documentHandler.Upload)
		educator.GET("", documentHandler.List)
		educator.GET("/search", documentHandler.Search)
		educator.POST("/status/refresh", throttle("documents:refresh"), documentHandler.RefreshMany)
		educator.GET("/:id", documentHandler.Get)
		educator.PATCH("/:id", documentHandler.Update)
		educator.DELETE("/:id", throttle("documents:delete"), documentHandler.Delete)
		educator.GET("/:id/status", documentHandler.Status)
		educator.POST("/:id/status", throttle("documents:refresh"), documentHandler.RefreshStatus)
		educator.GET("/:id/download", documentHandler.Download)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	{
		admin.GET("/lightrag/pipeline", adminHandler.Pipeline)
		admin.POST("/lightrag/entities/exists", adminHandler.EntityExists)
		admin.DELETE("/lightrag/documents", adminHandler.ClearDocuments)
		admin.DELETE("/documents", throttle("documents:delete"), adminHandler.BatchDelete)
		admin.GET("/documents/export", middleware.Audit(auditRepo, logr, models.AuditActionDocumentExport, "document"), adminHandler.Export)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	tracker.Stop()
}

func newFileStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Documents.StorageDriver {
	case config.StorageDriverMinIO:
		return storage.NewMinIOStorage(ctx, cfg.MinIO)
	case config.StorageDriverLocal, "":
		return storage.NewLocalStorage(cfg.Documents.StorageDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Documents.StorageDriver)
	}
}

func readinessChecks(db *sqlx.DB, redisClient *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}
