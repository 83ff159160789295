// Package api provides the administrative HTTP API of the scrape pipeline.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/scheduler"
)

// Service interfaces for dependency injection and testing

// SchedulerService schedules a single seller
type SchedulerService interface {
	ScheduleOne(ctx context.Context, sellerID string, req scheduler.Request) (*scheduler.Outcome, error)
}

// BulkService schedules and stops every seller and reports pipeline health
type BulkService interface {
	StartAll(ctx context.Context, req scheduler.Request) (*scheduler.BulkResult, error)
	StopAll(ctx context.Context, reason string) (*scheduler.StopResult, error)
	Health(ctx context.Context, queues ...*queue.Queue) (*scheduler.Health, error)
}

// CancelService cancels a single job
type CancelService interface {
	Cancel(ctx context.Context, jobID, sellerID, reason string) (*scheduler.CancelResult, error)
}

// JobReader reads job records
type JobReader interface {
	GetByJobID(ctx context.Context, jobID string) (*models.ScrapeJob, error)
	List(ctx context.Context, filter models.JobFilter, page models.Page) ([]*models.ScrapeJob, int, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	scheduler  SchedulerService
	bulk       BulkService
	canceller  CancelService
	jobs       JobReader
	queues     []*queue.Queue
	checks     map[string]HealthCheck
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int // requests per second per client, 0 disables limiting
}

// Deps are the services the API delegates to
type Deps struct {
	Scheduler SchedulerService
	Bulk      BulkService
	Canceller CancelService
	Jobs      JobReader
	Queues    []*queue.Queue         // reported by the scrapers health endpoint
	Checks    map[string]HealthCheck // checked by GET /health
	Logger    *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:    mux.NewRouter(),
		scheduler: deps.Scheduler,
		bulk:      deps.Bulk,
		canceller: deps.Canceller,
		jobs:      deps.Jobs,
		queues:    deps.Queues,
		checks:    deps.Checks,
		logger:    logger.WithField("component", "api"),
		config:    config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	if s.config.RateLimitRPS > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS)))
	}

	s.setupRoutes()

	// mux only runs Use middleware on matched routes, so preflight requests
	// are answered outside the router
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Scheduling
	api.HandleFunc("/sellers/{sellerId}/scrape", s.handleScheduleSeller).Methods("POST")
	api.HandleFunc("/scrapers/start-all", s.handleStartAll).Methods("POST")
	api.HandleFunc("/scrapers/stop-all", s.handleStopAll).Methods("POST")
	api.HandleFunc("/scrapers/health", s.handleScrapersHealth).Methods("GET")

	// Jobs
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{jobId}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{jobId}/cancel", s.handleCancelJob).Methods("POST")
}

// Handler returns the routed handler wrapped in CORS
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth checks every configured dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "seed-scraper",
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	respondJSON(w, status, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
