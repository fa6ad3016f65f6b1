package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"social-publisher/internal/app"
	"social-publisher/internal/auth"
	"social-publisher/internal/config"
	"social-publisher/internal/logger"
	"social-publisher/routes"
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

	issuer, err := auth.NewIssuer(cfg.JWTSecret, a.Redis)
	if err != nil {
		log.Fatal("Failed to initialize auth:", err)
	}

	router := routes.NewRouter(routes.RouterDeps{
		Config:     cfg,
		Issuer:     issuer,
		Redis:      a.Redis,
		Posts:      a.Store,
		Engagement: a.Store,
		Scheduler:  a.Scheduler,
		Refresher:  a.Poller,
		Accounts:   a.Vault,
		Metrics:    a.MetricsHandler,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
