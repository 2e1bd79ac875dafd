package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/logger"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/tracking"
	httptransport "relaymail/backend/internal/transport/http"
	"relaymail/backend/internal/websocket"
)

// main 启动跟踪服务：点击/打开跟踪、Webhook 管理与重试、实时事件推送
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting relaymail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Bool("tracking", cfg.Tracking.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics()

	workers := pool.NewWorkerPool(cfg.Worker.Workers, cfg.Worker.QueueSize, log)
	workers.Start(ctx)
	defer workers.Stop()

	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, store, metrics, log)
	webhookService := service.NewWebhookService(store, workers, hub, cfg.Webhook, metrics, log)
	tracker := tracking.NewTracker(store, webhookService, log)
	healthChecker := health.NewHealthChecker(store, cfg.Inspection, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		Tracker:        tracker,
		WebhookService: webhookService,
		WebSocketHub:   hub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		hub.Run(groupCtx)
		return nil
	})

	// 定时重试失败的 Webhook 投递
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Webhook.RetryInterval)
		defer ticker.Stop()

		log.Info("starting webhook retry task", zap.Duration("interval", cfg.Webhook.RetryInterval))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("webhook retry task stopped")
				return nil
			case <-ticker.C:
				count, err := webhookService.RetryFailedDeliveries(groupCtx)
				if err != nil {
					log.Error("failed to retry webhook deliveries", zap.Error(err))
				} else if count > 0 {
					log.Info("webhook deliveries retried", zap.Int("count", count))
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}
