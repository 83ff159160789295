package scheduler

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// CancelResult is the outcome of a cancellation request. A refused cancellation
// has Cancelled and CanStop false and reports how long the job has been running.
type CancelResult struct {
	JobID     string `json:"jobId"`
	SellerID  string `json:"sellerId"`
	Cancelled bool   `json:"cancelled"`
	CanStop   bool   `json:"canStop"`
	Reason    string `json:"reason"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`
	Message   string `json:"message,omitempty"`
}

// entryQueue is the part of the scrape queue cancellation uses
type entryQueue interface {
	Get(ctx context.Context, jobID string) (*queue.Handle, error)
	Remove(ctx context.Context, h *queue.Handle) error
}

// Canceller cancels jobs that have not started executing. Running jobs are
// never interrupted and finished ones are left to the synchronizer.
type Canceller struct {
	jobs   storage.JobStore
	queue  entryQueue
	now    func() time.Time
	logger *logging.Logger
}

// NewCanceller creates a canceller for jobs of the scrape queue
func NewCanceller(jobs storage.JobStore, scrapeQueue *queue.Queue, logger *logging.Logger) *Canceller {
	return &Canceller{
		jobs:   jobs,
		queue:  scrapeQueue,
		now:    time.Now,
		logger: logger.WithField("component", "canceller"),
	}
}

// Cancel stops the open job with jobID. sellerID scopes the lookup when set.
// It returns a not-found error when no open job matches, and a refused result
// when the job is executing or has already finished in the queue.
func (c *Canceller) Cancel(ctx context.Context, jobID, sellerID, reason string) (*CancelResult, error) {
	if reason == "" {
		reason = "cancelled by administrator"
	}

	job, err := c.jobs.FindOpenByJobID(ctx, jobID, sellerID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find open job", err)
	}
	if job == nil {
		return nil, notFoundOrFinished(jobID)
	}

	logger := c.logger.WithJob(job.JobID, job.SellerID, string(types.StageScrape))
	result := &CancelResult{JobID: job.JobID, SellerID: job.SellerID, Reason: reason}

	h, err := c.queue.Get(ctx, jobID)
	if err != nil {
		return nil, apperrors.NewQueueUnavailableError("load queue entry", err)
	}
	if h != nil && (h.IsExecuting() || h.Finished()) {
		return c.refuse(result, h, logger), nil
	}

	if err := c.queue.Remove(ctx, h); err != nil {
		if errors.Is(err, queue.ErrJobActive) || errors.Is(err, queue.ErrJobFinished) {
			// picked up or finished between Get and Remove
			if latest, _ := c.queue.Get(ctx, jobID); latest != nil {
				h = latest
			}
			return c.refuse(result, h, logger), nil
		}
		return nil, apperrors.NewQueueUnavailableError("remove queue entry", err)
	}

	now := c.now()
	applied, err := c.jobs.ApplyTransition(ctx, jobID, types.SourcesFor(types.StatusCancelled), models.JobTransition{
		Status:       types.StatusCancelled,
		CompletedAt:  &now,
		ErrorMessage: &reason,
		ErrorDetails: &models.ErrorDetails{Kind: models.ErrorKindCancelled, Timestamp: now},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("cancel job record", err)
	}
	if !applied {
		return nil, notFoundOrFinished(jobID)
	}

	logger.WithField("reason", reason).Info("Scrape job cancelled")
	result.Cancelled = true
	result.CanStop = true
	return result, nil
}

// refuse reports a job that can no longer be cancelled. The record is left
// for the synchronizer to move to its final state.
func (c *Canceller) refuse(result *CancelResult, h *queue.Handle, logger *logging.Logger) *CancelResult {
	result.CanStop = false
	result.ElapsedMs = h.Elapsed(c.now()).Milliseconds()

	if h.Finished() {
		result.Message = "scrape job already finished (" + string(h.State) + "), its result is being recorded"
		logger.WithField("state", string(h.State)).Info("Cancellation refused, job already finished")
		return result
	}

	result.Message = apperrors.NewJobExecutingError(result.JobID, result.ElapsedMs).Message
	logger.WithField("elapsedMs", result.ElapsedMs).Info("Cancellation refused, job is executing")
	return result
}

func notFoundOrFinished(jobID string) *apperrors.CategorizedError {
	err := apperrors.NewNotFoundError("scrape job", jobID)
	err.Message = "scrape job not found or already finished: " + jobID
	return err
}
