package scheduler

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// BulkResult aggregates the outcomes of scheduling many sellers
type BulkResult struct {
	Scheduled int        `json:"scheduled"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	Details   []*Outcome `json:"details"`

	// Ineligible counts skipped or failed sellers whose own configuration
	// prevents scheduling; retrying them changes nothing until it is fixed
	Ineligible int `json:"ineligible"`
}

func (r *BulkResult) add(o *Outcome) {
	if o.Err != nil && apperrors.IsEligibility(o.Err) {
		r.Ineligible++
	}
	switch o.Status {
	case types.OutcomeScheduled:
		r.Scheduled++
	case types.OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Details = append(r.Details, o)
}

// StopDetail is the per-job result of a stop-all
type StopDetail struct {
	SellerID string              `json:"sellerId"`
	JobID    string              `json:"jobId"`
	Status   types.OutcomeStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
}

// StopResult aggregates a stop-all
type StopResult struct {
	Stopped int          `json:"stopped"`
	Failed  int          `json:"failed"`
	Details []StopDetail `json:"details"`
}

// Bulk schedules and stops every seller. One seller's failure never aborts the batch.
type Bulk struct {
	orch    *Orchestrator
	jobs    storage.JobStore
	sellers storage.SellerStore
	queue   *queue.Queue
	now     func() time.Time
	logger  *logging.Logger
}

// NewBulk creates the bulk scheduler
func NewBulk(orch *Orchestrator, logger *logging.Logger) *Bulk {
	return &Bulk{
		orch:    orch,
		jobs:    orch.jobs,
		sellers: orch.sellers,
		queue:   orch.queue,
		now:     time.Now,
		logger:  logger.WithField("component", "bulk-scheduler"),
	}
}

// StartAll schedules every seller. Ineligible sellers are reported as skipped.
// Running it again while jobs are open skips the sellers already scheduled.
func (b *Bulk) StartAll(ctx context.Context, req Request) (*BulkResult, error) {
	sellers, err := b.sellers.List(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sellers", err)
	}

	result := &BulkResult{Details: make([]*Outcome, 0, len(sellers))}
	for _, seller := range sellers {
		result.add(b.orch.ScheduleSeller(ctx, seller, req))
	}

	b.logger.WithFields(map[string]interface{}{
		"scheduled": result.Scheduled,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("Start-all finished")
	return result, nil
}

// RunDue schedules an auto-mode scrape for every seller whose interval has elapsed
func (b *Bulk) RunDue(ctx context.Context) (*BulkResult, error) {
	sellers, err := b.sellers.List(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sellers", err)
	}

	now := b.now()
	result := &BulkResult{Details: []*Outcome{}}
	for _, seller := range sellers {
		if !seller.AutoDue(now) {
			continue
		}
		result.add(b.orch.ScheduleSeller(ctx, seller, Request{Config: pipeline.AutoConfig{}}))
	}

	if len(result.Details) > 0 {
		b.logger.WithFields(map[string]interface{}{
			"scheduled": result.Scheduled,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
		}).Info("Auto cadence run finished")
	}
	return result, nil
}

// StopAll removes the queue entry of every open job and force-cancels its
// record. A running worker is not interrupted; its late result is discarded
// by the conditional write. Jobs whose entry already finished are skipped.
// A second call finds nothing to stop.
func (b *Bulk) StopAll(ctx context.Context, reason string) (*StopResult, error) {
	if reason == "" {
		reason = "stopped by administrator"
	}

	open, err := b.jobs.ListOpen(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list open jobs", err)
	}

	result := &StopResult{Details: make([]StopDetail, 0, len(open))}
	for _, job := range open {
		detail := b.stopJob(ctx, job, reason)
		switch detail.Status {
		case types.OutcomeStopped:
			result.Stopped++
		case types.OutcomeFailed:
			result.Failed++
		default:
			continue
		}
		result.Details = append(result.Details, detail)
	}

	b.logger.WithFields(map[string]interface{}{
		"stopped": result.Stopped,
		"failed":  result.Failed,
	}).Info("Stop-all finished")
	return result, nil
}

func (b *Bulk) stopJob(ctx context.Context, job *models.ScrapeJob, reason string) StopDetail {
	detail := StopDetail{SellerID: job.SellerID, JobID: job.JobID}
	logger := b.logger.WithJob(job.JobID, job.SellerID, string(types.StageScrape))

	h, err := b.queue.Get(ctx, job.JobID)
	if err != nil {
		logger.WithError(err).Warn("Failed to load queue entry, cancelling record anyway")
	} else if h != nil && h.Finished() {
		// the synchronizer records the final state
		detail.Status = types.OutcomeSkipped
		return detail
	} else if h != nil {
		err := b.queue.Remove(ctx, h)
		if errors.Is(err, queue.ErrJobFinished) {
			detail.Status = types.OutcomeSkipped
			return detail
		}
		if err != nil {
			logger.WithError(err).Warn("Queue entry not removed, cancelling record anyway")
		}
	}

	now := b.now()
	applied, err := b.jobs.ApplyTransition(ctx, job.JobID, types.SourcesFor(types.StatusCancelled), models.JobTransition{
		Status:       types.StatusCancelled,
		CompletedAt:  &now,
		ErrorMessage: &reason,
		ErrorDetails: &models.ErrorDetails{Kind: models.ErrorKindCancelled, Timestamp: now},
	})
	if err != nil {
		detail.Status = types.OutcomeFailed
		detail.Reason = err.Error()
		logger.WithError(err).Error("Failed to cancel job record")
		return detail
	}
	if !applied {
		// finished between listing and cancelling
		detail.Status = types.OutcomeSkipped
		return detail
	}

	detail.Status = types.OutcomeStopped
	detail.Reason = reason
	return detail
}
