// Package main runs the queue workers of the three pipeline stages and the
// event synchronizer that keeps scrape job records in step with the queue.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/seed-scraper/internal/bootstrap"
	"github.com/seed-scraper/internal/circuitbreaker"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/notify"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/synchronizer"
)

func main() {
	fmt.Println("Seed Scraper Pipeline Worker")

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

	renderer, err := notify.NewRenderer(cfg.Email.BaseURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create email renderer")
	}
	var sender notify.Sender
	if cfg.Email.Enabled() {
		sender = notify.NewSMTPSender(cfg.Email)
		logger.WithField("smtpHost", cfg.Email.SMTPHost).Info("Price alerts delivered over SMTP")
	} else {
		sender = notify.NewLogSender(logger)
		logger.Warn("SMTP_HOST not set, price alerts are logged instead of sent")
	}
	breakerCfg := circuitbreaker.DefaultConfig("email")
	breakerCfg.Logger = logger
	breaker := circuitbreaker.New(breakerCfg)

	throttle, err := bootstrap.NewThrottle(infra.Redis.Client(), cfg.Scrape)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create host fetch budget")
	}
	scrape := pipeline.NewScrapeProcessor(bootstrap.NewRegistry(throttle), stores.Sellers, stores.Products, stores.Jobs, cfg.Scrape, logger)
	detect := pipeline.NewDetectProcessor(stores.Prices, stores.Watchlists, queues.Alert, logger)
	alert := pipeline.NewAlertProcessor(renderer, sender, breaker, logger)

	hostname, _ := os.Hostname()
	syncer := synchronizer.New(stores.Jobs, queues.Scrape, queues.Stages(), pipeline.NewChain(queues.Detect, logger), synchronizer.Options{
		Consumer: hostname,
		Logger:   logger,
	})
	if err := syncer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start event synchronizer")
	}

	workers := []struct {
		q           *queue.Queue
		processor   queue.Processor
		concurrency int
	}{
		{queues.Scrape, scrape.Process, cfg.Queue.ScrapeConcurrency},
		{queues.Detect, detect.Process, cfg.Queue.DetectConcurrency},
		{queues.Alert, alert.Process, cfg.Queue.AlertConcurrency},
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		worker := w.q.NewWorker(w.processor, queue.WorkerOptions{
			Concurrency:   w.concurrency,
			PollInterval:  cfg.Queue.PollInterval,
			StallInterval: cfg.Queue.StallInterval,
		})
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				logger.WithError(err).WithField(logging.FieldQueue, name).Error("Worker stopped with error")
			}
		}(w.q.Name())
	}

	logger.Info("Workers started")
	<-ctx.Done()

	// Run waits for in-flight jobs before returning
	logger.Info("Shutting down workers...")
	wg.Wait()
	syncer.Stop()
	logger.Info("Worker exited")
}
