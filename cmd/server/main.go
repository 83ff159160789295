// Package main provides the admin API server of the seed scrape pipeline. It
// also runs the periodic scheduler tasks: auto cadence, janitor and retention.
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

	"github.com/seed-scraper/internal/api"
	"github.com/seed-scraper/internal/bootstrap"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/scheduler"
)

func main() {
	fmt.Println("Seed Scraper API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := bootstrap.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Connect(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect")
	}
	defer infra.Close()

	stores := bootstrap.NewStores(infra.Postgres)
	queues := bootstrap.NewQueues(infra.Redis.Client(), cfg.Queue, logger)
	sched := bootstrap.NewScheduler(cfg, stores.Jobs, stores.Sellers, queues, logger)

	service := scheduler.NewService(sched.Bulk, sched.Janitor, cfg.Scheduler, logger)
	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler service")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
	}

	server := api.NewServer(serverConfig, api.Deps{
		Scheduler: sched.Orchestrator,
		Bulk:      sched.Bulk,
		Canceller: sched.Canceller,
		Jobs:      stores.Jobs,
		Queues:    queues.All(),
		Checks: map[string]api.HealthCheck{
			"postgres": infra.Postgres.Ping,
			"redis":    infra.Redis.Ping,
		},
		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := service.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Scheduler service did not stop in time")
	}

	logger.Info("Server exited")
}
