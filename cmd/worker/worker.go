package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"social-publisher/internal/app"
	"social-publisher/internal/config"
	"social-publisher/internal/logger"
	"social-publisher/internal/queue"
	"social-publisher/internal/reconcile"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer a.Close()

	server := queue.NewServer(a.RedisOpt, queue.ServerConfig{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger.Logger,
	})

	processor := queue.NewTaskProcessor(a.Publisher, a.Poller, logger.Logger, a.Metrics)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	reconciler := reconcile.New(reconcile.Config{
		Posts:      a.Store,
		Engagement: a.Store,
		Queue:      a.Queue,
		Scheduler:  a.Scheduler,
		Poller:     a.Poller,
		Logger:     logger.Logger,
	})
	cron := reconcile.NewCron()
	err = cron.ScheduleCron("reconcile", cfg.ReconcileCron, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		_, err := reconciler.Run(ctx)
		if err != nil {
			logger.Error("Reconciliation failed", "error", err)
		}
		return err
	})
	if err != nil {
		log.Fatal("Failed to schedule reconciler:", err)
	}
	cron.Start()
	defer cron.Stop()

	// Worker metrics on their own port; the API serves its own.
	metricsSrv := &http.Server{Addr: ":" + metricsPort(), Handler: a.MetricsHandler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	logger.Info("Starting worker",
		"concurrency", cfg.WorkerConcurrency,
		"queues", []string{queue.QueuePublish, queue.QueueEngagement},
		"reconcile_cron", cfg.ReconcileCron)

	if err := server.Start(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down worker...")

	server.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(ctx)
}

func metricsPort() string {
	if p := os.Getenv("WORKER_METRICS_PORT"); p != "" {
		return p
	}
	return "9091"
}
