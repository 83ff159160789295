// Package bootstrap wires configuration, connections, stores and queues for
// the server, worker and schedule commands.
//
// Startup phases:
//   - Logger: initialise the global logger from config
//   - Infra: connect to Postgres and Redis, retrying while they start
//   - Stores: create the Postgres repositories
//   - Queues: one durable queue per pipeline stage on the shared Redis client
//   - Scheduler: orchestrator, bulk scheduler, canceller and janitor
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/ratelimit"
	"github.com/seed-scraper/internal/retry"
	"github.com/seed-scraper/internal/scheduler"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/synchronizer"
	"github.com/seed-scraper/internal/types"
)

// connectPolicy retries connections for about a minute while dependencies start
var connectPolicy = retry.ExponentialPolicy(6, time.Second)

// NewLogger initialises the global logger from config
func NewLogger(cfg *config.Config) *logging.Logger {
	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")
	return logger
}

// Infra holds the shared connections
type Infra struct {
	Postgres *storage.PostgresDB
	Redis    *storage.RedisClient
}

// Connect opens the Postgres pool and the Redis client
func Connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Infra, error) {
	logger.Info("Connecting to databases...")

	pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres, connectPolicy)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	rc, err := storage.NewRedisClient(ctx, &cfg.Database.Redis, connectPolicy)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info("Database connections established")
	return &Infra{Postgres: pg, Redis: rc}, nil
}

// Close closes every connection
func (i *Infra) Close() {
	_ = i.Redis.Close()
	i.Postgres.Close()
}

// Stores are the Postgres repositories
type Stores struct {
	Jobs       *storage.ScrapeJobRepository
	Sellers    *storage.SellerRepository
	Products   *storage.ProductRepository
	Prices     *storage.PriceRepository
	Watchlists *storage.WatchlistRepository
}

// NewStores creates the repositories on db
func NewStores(db *storage.PostgresDB) *Stores {
	return &Stores{
		Jobs:       storage.NewScrapeJobRepository(db),
		Sellers:    storage.NewSellerRepository(db),
		Products:   storage.NewProductRepository(db),
		Prices:     storage.NewPriceRepository(db),
		Watchlists: storage.NewWatchlistRepository(db),
	}
}

// Queues are the durable queues of the three pipeline stages
type Queues struct {
	Scrape *queue.Queue
	Detect *queue.Queue
	Alert  *queue.Queue
}

// NewQueues creates one queue per stage on client. Queue errors are logged.
func NewQueues(client redis.UniversalClient, cfg config.QueueConfig, logger *logging.Logger) *Queues {
	newQueue := func(stage types.Stage) *queue.Queue {
		q := queue.New(client, string(stage), queue.Config{
			Prefix:       cfg.Prefix,
			Attempts:     cfg.Attempts,
			Backoff:      cfg.Backoff,
			LockDuration: cfg.LockDuration,
			Logger:       logger,
		})
		q.OnError(func(err error) {
			logger.WithError(err).WithField(logging.FieldStage, string(stage)).Error("Queue error")
		})
		return q
	}

	return &Queues{
		Scrape: newQueue(types.StageScrape),
		Detect: newQueue(types.StageDetect),
		Alert:  newQueue(types.StageAlert),
	}
}

// All returns the queues in pipeline order
func (q *Queues) All() []*queue.Queue {
	return []*queue.Queue{q.Scrape, q.Detect, q.Alert}
}

// Stages returns the downstream stage queues keyed by stage
func (q *Queues) Stages() map[types.Stage]*queue.Queue {
	return map[types.Stage]*queue.Queue{
		types.StageDetect: q.Detect,
		types.StageAlert:  q.Alert,
	}
}

// NewThrottle creates the shared per-host fetch budget, or nil when pacing is disabled
func NewThrottle(client redis.Cmdable, cfg config.ScrapeConfig) (scraper.Throttle, error) {
	if cfg.HostRPS <= 0 {
		return nil, nil
	}
	budget, err := ratelimit.NewHostBudget(ratelimit.Config{
		Redis:             client,
		RequestsPerWindow: cfg.HostRPS,
		Reserved:          cfg.HostReserved,
		Window:            time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("host fetch budget: %w", err)
	}
	return budget, nil
}

// NewRegistry registers every implemented scraper. A nil throttle fetches unpaced.
func NewRegistry(throttle scraper.Throttle) *scraper.Registry {
	selector := scraper.NewSelectorScraper(&http.Client{Timeout: 30 * time.Second})
	if throttle != nil {
		selector.WithThrottle(throttle)
	}

	registry := scraper.NewRegistry()
	registry.Register(scraper.SourceSelector, selector)
	return registry
}

// Scheduler groups the scheduling components
type Scheduler struct {
	Orchestrator *scheduler.Orchestrator
	Bulk         *scheduler.Bulk
	Canceller    *scheduler.Canceller
	Janitor      *scheduler.Janitor
}

// NewScheduler wires the scheduling components onto the job store and queues
func NewScheduler(cfg *config.Config, jobs storage.JobStore, sellers storage.SellerStore, queues *Queues, logger *logging.Logger) *Scheduler {
	orch := scheduler.NewOrchestrator(jobs, sellers, queues.Scrape, NewRegistry(nil), logger)

	// never started; the janitor only replays final events through its handlers
	reconciler := synchronizer.New(jobs, queues.Scrape, nil, pipeline.NewChain(queues.Detect, logger), synchronizer.Options{Logger: logger})
	janitor := scheduler.NewJanitor(jobs, queues.Scrape, cfg.Scheduler, cfg.Queue.LockDuration, logger, queues.All()...).
		ReconcileWith(reconciler.Handle)

	return &Scheduler{
		Orchestrator: orch,
		Bulk:         scheduler.NewBulk(orch, logger),
		Canceller:    scheduler.NewCanceller(jobs, queues.Scrape, logger),
		Janitor:      janitor,
	}
}
