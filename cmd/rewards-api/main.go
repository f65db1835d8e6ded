package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/voice-reward-api/api/swagger"
	"github.com/noah-isme/voice-reward-api/internal/handler"
	"github.com/noah-isme/voice-reward-api/internal/middleware"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	"github.com/noah-isme/voice-reward-api/internal/service"
	"github.com/noah-isme/voice-reward-api/migrations"
	"github.com/noah-isme/voice-reward-api/pkg/cache"
	"github.com/noah-isme/voice-reward-api/pkg/config"
	"github.com/noah-isme/voice-reward-api/pkg/database"
	"github.com/noah-isme/voice-reward-api/pkg/jobs"
	"github.com/noah-isme/voice-reward-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/voice-reward-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/voice-reward-api/pkg/middleware/requestid"
	"github.com/noah-isme/voice-reward-api/pkg/storage"
)

// @title Voice Reward API
// @version 1.0.0
// @description Voice recording ingest, quality evaluation and reward token ledger
// @BasePath /api/v1
// @schemes http https
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	applied, err := database.Migrate(ctx, db, migrations.FS)
	if err != nil {
		logr.Fatal("failed to apply migrations", zap.Error(err))
	}
	if len(applied) > 0 {
		logr.Sugar().Infow("migrations applied", "versions", applied)
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, stats cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	blobs, err := storage.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		logr.Fatal("failed to prepare blob storage", zap.Error(err))
	}

	thresholds, err := service.ParseThresholdTable(cfg.Evaluation.Thresholds)
	if err != nil {
		logr.Fatal("invalid evaluation thresholds", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	recordingRepo := repository.NewRecordingRepository(db)
	rewardRepo := repository.NewRewardRepository(db)
	statsRepo := repository.NewStatsRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Stats.CacheTTL, logr, cfg.Stats.CacheEnabled)

	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	exportSvc := service.NewExportService(logr, nil, nil)
	scorerClient := service.NewScorerClient(service.ScorerClientConfig{
		BaseURL: cfg.Scorer.BaseURL,
		APIKey:  cfg.Scorer.APIKey,
		Timeout: cfg.Scorer.Timeout,
	}, logr)

	// the queue handler needs the worker and the evaluator needs the queue
	var worker *service.EvaluationWorker
	var queue *jobs.Queue
	queue = jobs.NewQueue("evaluation", func(jobCtx context.Context, job jobs.Job) error {
		defer func() { metricsSvc.SetQueueDepth(queue.Depth()) }()
		return worker.Handle(jobCtx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Evaluation.Workers,
		BufferSize: cfg.Evaluation.BufferSize,
		MaxRetries: cfg.Evaluation.QueueRetries,
		RetryDelay: cfg.Evaluation.RetryDelay,
		Logger:     logr,
		OnGiveUp: func(job jobs.Job, err error) {
			logr.Sugar().Warnw("evaluation job abandoned, reconciliation will pick it up", "recording_id", job.ID, "attempt", job.Attempt, "error", err)
		},
	})

	evaluationSvc := service.NewEvaluationService(recordingRepo, scorerClient, service.NewClassifier(thresholds), cacheSvc, queue, metricsSvc, logr, service.EvaluationConfig{
		MaxAttempts:   cfg.Evaluation.MaxAttempts,
		CommitTimeout: cfg.Evaluation.CommitTimeout,
	})
	worker = service.NewEvaluationWorker(evaluationSvc, logr)

	recordingSvc := service.NewRecordingService(recordingRepo, blobs, storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL), validate, logr, service.RecordingConfig{
		APIPrefix:        cfg.APIPrefix,
		MaxFileSizeBytes: cfg.Storage.MaxFileSizeBytes,
		AllowedMIMEs:     cfg.Storage.AllowedMIMEs,
	})
	ledgerSvc := service.NewLedgerService(rewardRepo, cacheSvc, exportSvc, validate, logr)
	historySvc := service.NewHistoryService(rewardRepo, auditRepo, logr)
	statsSvc := service.NewStatsService(statsRepo, cacheSvc, exportSvc, cfg.Stats.CacheTTL, logr)
	reconciliationSvc := service.NewReconciliationService(recordingRepo, evaluationSvc, metricsSvc, logr, service.ReconciliationConfig{
		Interval:    cfg.Reconciliation.Interval,
		ClaimTTL:    cfg.Reconciliation.ClaimTTL,
		BatchSize:   cfg.Reconciliation.BatchSize,
		MaxAttempts: cfg.Evaluation.MaxAttempts,
	})

	queue.Start(ctx)
	defer queue.Stop()
	if cfg.Reconciliation.Enabled {
		reconciliationSvc.Start(ctx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(metricsSvc))

	deps := map[string]handler.Pinger{"postgres": db}
	if redisClient != nil {
		deps["redis"] = handler.PingFunc(func(ctx context.Context) error { return redisPing(ctx, redisClient) })
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, deps)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	recordingHandler := handler.NewRecordingHandler(recordingSvc, evaluationSvc, cfg.Storage.MaxFileSizeBytes)
	meHandler := handler.NewMeHandler(ledgerSvc, statsSvc)
	adminHandler := handler.NewAdminHandler(statsSvc, evaluationSvc, recordingSvc, ledgerSvc, reconciliationSvc, historySvc)

	api := r.Group(cfg.APIPrefix)
	api.GET("/blobs/:token", recordingHandler.Blob)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	recordings := authed.Group("/recordings")
	recordings.POST("", recordingHandler.Upload)
	recordings.POST("/metadata", recordingHandler.CreateMetadata)
	recordings.GET("", recordingHandler.List)
	recordings.GET("/:id", recordingHandler.Get)
	recordings.POST("/:id/evaluate", recordingHandler.Evaluate)

	me := authed.Group("/me")
	me.GET("/balance", meHandler.Balance)
	me.GET("/tokens", meHandler.Tokens)
	me.GET("/tokens/export", meHandler.ExportTokens)
	me.GET("/stats", meHandler.Stats)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/stats/tokens", adminHandler.TokenStats)
	admin.GET("/stats/tokens/export", adminHandler.ExportTokenStats)
	admin.GET("/recordings/review", adminHandler.NeedsReview)
	admin.POST("/recordings/:id/reevaluate", adminHandler.Reevaluate)
	admin.GET("/recordings/:id/history", adminHandler.RecordingHistory)
	admin.DELETE("/recordings/:id", adminHandler.DeleteRecording)
	admin.PATCH("/tokens/:id/status", adminHandler.SetTokenStatus)
	admin.POST("/reconcile", adminHandler.Reconcile)

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
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func redisPing(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
