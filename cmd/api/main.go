package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/gateway"
	"github.com/noah-isme/matricula-api/internal/handler"
	"github.com/noah-isme/matricula-api/internal/middleware"
	"github.com/noah-isme/matricula-api/internal/repository"
	"github.com/noah-isme/matricula-api/internal/service"
	"github.com/noah-isme/matricula-api/pkg/cache"
	"github.com/noah-isme/matricula-api/pkg/config"
	"github.com/noah-isme/matricula-api/pkg/database"
	"github.com/noah-isme/matricula-api/pkg/jobs"
	"github.com/noah-isme/matricula-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/matricula-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/matricula-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, webhook dedup disabled", "error", err)
		redisClient = nil
	}

	metricsSvc := service.NewMetricsService()
	billing := gateway.NewHTTPClient(cfg.Gateway, logr)

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	courseRepo := repository.NewCourseReadRepository(db)

	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, historyRepo, courseRepo, billing, nil, logr, metricsSvc, cfg.Gateway.DueInDays)
	auditSvc := service.NewAuditService(enrollmentSvc)

	var webhookSvc *service.WebhookService
	if redisClient != nil {
		webhookSvc = service.NewWebhookService(enrollmentSvc, redisClient, cfg.Webhook.DedupTTL, logr, metricsSvc)
	} else {
		webhookSvc = service.NewWebhookService(enrollmentSvc, nil, cfg.Webhook.DedupTTL, logr, metricsSvc)
	}

	replayQueue := jobs.NewQueue("webhook_replay", webhookSvc.HandleReplayJob, jobs.QueueConfig{
		Workers:    cfg.Webhook.QueueWorkers,
		MaxRetries: cfg.Webhook.ReplayLimit,
		RetryDelay: cfg.Webhook.ReplayDelay,
		Logger:     logr,
	})
	webhookSvc.SetReplayQueue(replayQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replayQueue.Start(ctx)
	defer replayQueue.Stop()

	if cfg.Reconciliation.Enabled {
		go runReconciliationSweep(ctx, cfg.Reconciliation, enrollmentSvc)
		logr.Sugar().Infow("reconciliation sweep enabled",
			"interval", cfg.Reconciliation.SweepInterval, "stale_after", cfg.Reconciliation.StaleAfter)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, auditSvc)
	webhookHandler := handler.NewWebhookHandler(webhookSvc, cfg.Webhook.AccessToken)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.Actor(cfg.JWT.Secret))
	{
		api.GET("/enrollments", enrollmentHandler.List)
		api.POST("/enrollments", enrollmentHandler.Create)
		api.GET("/enrollments/:id", enrollmentHandler.Get)
		api.POST("/enrollments/:id/payment-link", enrollmentHandler.GeneratePaymentLink)
		api.POST("/enrollments/:id/cancel", enrollmentHandler.Cancel)
		api.POST("/enrollments/:id/reconcile", enrollmentHandler.Reconcile)
		api.GET("/enrollments/:id/history", enrollmentHandler.History)
	}

	r.POST("/webhooks/billing", webhookHandler.Receive)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func runReconciliationSweep(ctx context.Context, cfg config.ReconciliationConfig, svc *service.EnrollmentService) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.StaleAfter)
			sweepCtx, cancel := context.WithTimeout(ctx, cfg.SweepInterval)
			_ = svc.ReconcileStale(sweepCtx, cutoff, cfg.BatchSize)
			cancel()
		}
	}
}
