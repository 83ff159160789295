// Package scheduler creates scrape jobs: per seller, in bulk and on the auto
// cadence. It also cancels jobs that have not started and sweeps job records
// that lost their queue entry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/scraper"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// Request describes the job to schedule for a seller
type Request struct {
	Config   pipeline.ModeConfig // nil means a default manual scrape
	SourceID string              // empty means the seller's primary source
}

func (r Request) config() pipeline.ModeConfig {
	if r.Config == nil {
		return pipeline.ManualConfig{}
	}
	return r.Config
}

// Outcome is the per-seller result of a scheduling attempt
type Outcome struct {
	SellerID   string              `json:"sellerId"`
	SellerName string              `json:"sellerName,omitempty"`
	Status     types.OutcomeStatus `json:"status"`
	JobID      string              `json:"jobId,omitempty"`
	Code       string              `json:"code,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Retryable  bool                `json:"retryable,omitempty"` // a later attempt may succeed

	Err error `json:"-"`
}

func outcome(seller *models.Seller, status types.OutcomeStatus) *Outcome {
	return &Outcome{SellerID: seller.ID, SellerName: seller.Name, Status: status}
}

func (o *Outcome) because(err error) *Outcome {
	o.Err = err
	o.Retryable = apperrors.IsRetryable(err)
	if cat := apperrors.Categorize(err); cat != nil {
		o.Code = cat.Code
		o.Reason = cat.Message
	}
	return o
}

// Orchestrator schedules one seller at a time. It checks eligibility and the
// open-job guard, then writes the job record and enqueues the scrape entry under
// the same job token.
type Orchestrator struct {
	jobs     storage.JobStore
	sellers  storage.SellerStore
	queue    *queue.Queue
	registry *scraper.Registry
	newID    func() string
	now      func() time.Time
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator enqueueing into the scrape queue
func NewOrchestrator(jobs storage.JobStore, sellers storage.SellerStore, scrapeQueue *queue.Queue, registry *scraper.Registry, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		sellers:  sellers,
		queue:    scrapeQueue,
		registry: registry,
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logger.WithField("component", "orchestrator"),
	}
}

// ScheduleOne loads the seller and schedules it. A missing seller is an error;
// every other result is reported through the outcome.
func (o *Orchestrator) ScheduleOne(ctx context.Context, sellerID string, req Request) (*Outcome, error) {
	seller, err := o.sellers.Get(ctx, sellerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("seller", sellerID)
		}
		return nil, apperrors.NewDatabaseError("load seller", err)
	}
	return o.ScheduleSeller(ctx, seller, req), nil
}

// ScheduleSeller schedules a loaded seller and never returns a nil outcome
func (o *Orchestrator) ScheduleSeller(ctx context.Context, seller *models.Seller, req Request) *Outcome {
	cfg := req.config()
	logger := o.logger.WithFields(map[string]interface{}{
		logging.FieldSellerID: seller.ID,
		"mode":                string(cfg.Mode()),
	})

	if !seller.IsActive {
		return outcome(seller, types.OutcomeSkipped).because(apperrors.NewSellerInactiveError(seller.ID))
	}
	source, ok := o.pickSource(seller, req.SourceID)
	if !ok {
		return outcome(seller, types.OutcomeSkipped).because(apperrors.NewNoScrapeSourcesError(seller.ID))
	}

	open, err := o.jobs.FindOpenBySeller(ctx, seller.ID)
	if err != nil {
		return outcome(seller, types.OutcomeFailed).because(apperrors.NewDatabaseError("find open job", err))
	}
	if open != nil {
		out := outcome(seller, types.OutcomeSkipped)
		out.JobID = open.JobID
		out.Reason = fmt.Sprintf("seller already has an open scrape job (%s)", open.Status)
		return out
	}

	if _, ok := o.registry.Lookup(source.Source); !ok {
		err := apperrors.NewScraperNotImplementedError(source.Source)
		logger.WithError(err).Warn("Cannot schedule seller")
		return outcome(seller, types.OutcomeFailed).because(err)
	}

	jobID := o.newID()
	logger = logger.WithField(logging.FieldJobID, jobID)

	job := &models.ScrapeJob{
		JobID:     jobID,
		SellerID:  seller.ID,
		Status:    types.StatusCreated,
		Mode:      cfg.Mode(),
		Source:    source.Source,
		CreatedAt: o.now(),
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateOpenJob) {
			out := outcome(seller, types.OutcomeSkipped)
			out.Reason = "seller already has an open scrape job"
			return out
		}
		return outcome(seller, types.OutcomeFailed).because(apperrors.NewDatabaseError("create job record", err))
	}

	payload := pipeline.NewScrapePayload(jobID, seller.ID, source, cfg)
	if _, err := o.queue.Enqueue(ctx, jobID, payload, queue.Options{Priority: cfg.Mode().Priority()}); err != nil {
		qerr := apperrors.NewQueueUnavailableError("enqueue scrape job", err)
		logger.WithError(err).Error("Enqueue failed, marking job record failed")
		o.failUnqueued(ctx, jobID, qerr, logger)
		out := outcome(seller, types.OutcomeFailed).because(qerr)
		out.JobID = jobID
		return out
	}

	if err := o.sellers.UpdateLastScraped(ctx, seller.ID, o.now()); err != nil {
		logger.WithError(err).Warn("Failed to update seller last scraped time")
	}

	logger.Info("Scrape job scheduled")
	out := outcome(seller, types.OutcomeScheduled)
	out.JobID = jobID
	return out
}

// failUnqueued closes a CREATED record whose queue entry was never written.
// If this write fails too the janitor sweeps the record later.
func (o *Orchestrator) failUnqueued(ctx context.Context, jobID string, cause error, logger *logging.Logger) {
	now := o.now()
	message := cause.Error()
	_, err := o.jobs.ApplyTransition(ctx, jobID, []types.JobStatus{types.StatusCreated}, models.JobTransition{
		Status:       types.StatusFailed,
		CompletedAt:  &now,
		ErrorMessage: &message,
		ErrorDetails: &models.ErrorDetails{
			Kind:      models.ErrorKindQueue,
			Name:      apperrors.CodeQueueUnavailable,
			Timestamp: now,
		},
	})
	if err != nil {
		logger.WithError(err).Error("Failed to mark unqueued job record failed")
	}
}

func (o *Orchestrator) pickSource(seller *models.Seller, sourceID string) (models.ScrapeSource, bool) {
	if sourceID == "" {
		return seller.PrimarySource()
	}
	for _, s := range seller.Sources {
		if s.ID == sourceID {
			return s, true
		}
	}
	return models.ScrapeSource{}, false
}
