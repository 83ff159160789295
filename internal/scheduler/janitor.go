package scheduler

import (
	"context"
	"time"

	"github.com/seed-scraper/internal/config"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// eventStreamMaxLen caps each queue's event stream during retention cleanup
const eventStreamMaxLen = 100000

// Janitor repairs job records left behind by crashes and applies retention
type Janitor struct {
	jobs           storage.JobStore
	scrape         *queue.Queue
	queues         []*queue.Queue
	createdTimeout time.Duration
	orphanAfter    time.Duration
	retention      time.Duration
	reconcile      queue.EventHandler
	now            func() time.Time
	logger         *logging.Logger
}

// NewJanitor creates a janitor. queues are the pipeline queues cleaned by the
// retention sweep; the scrape queue is always included.
func NewJanitor(jobs storage.JobStore, scrapeQueue *queue.Queue, cfg config.SchedulerConfig, lockDuration time.Duration, logger *logging.Logger, queues ...*queue.Queue) *Janitor {
	all := []*queue.Queue{scrapeQueue}
	for _, q := range queues {
		if q != scrapeQueue {
			all = append(all, q)
		}
	}
	return &Janitor{
		jobs:           jobs,
		scrape:         scrapeQueue,
		queues:         all,
		createdTimeout: cfg.CreatedTimeout,
		orphanAfter:    max(lockDuration, cfg.CreatedTimeout),
		retention:      cfg.JobRetention,
		now:            time.Now,
		logger:         logger.WithField("component", "janitor"),
	}
}

// ReconcileWith sets the handler that applies the final event of an entry
// which finished while its record stayed open, normally the synchronizer's.
func (j *Janitor) ReconcileWith(handler queue.EventHandler) *Janitor {
	j.reconcile = handler
	return j
}

// SweepStaleCreated fails CREATED records older than the timeout that have no
// queue entry and closes those whose entry already finished
func (j *Janitor) SweepStaleCreated(ctx context.Context) (int, error) {
	return j.repairOpen(ctx, []types.JobStatus{types.StatusCreated}, j.createdTimeout,
		models.ErrorKindQueue, "job was never queued")
}

// ReconcileOrphaned fails open records whose queue entry disappeared and
// closes those whose entry already finished
func (j *Janitor) ReconcileOrphaned(ctx context.Context) (int, error) {
	return j.repairOpen(ctx, []types.JobStatus{types.StatusWaiting, types.StatusDelayed, types.StatusActive}, j.orphanAfter,
		models.ErrorKindOrphaned, "queue entry lost")
}

func (j *Janitor) repairOpen(ctx context.Context, statuses []types.JobStatus, age time.Duration, kind, message string) (int, error) {
	stale, err := j.jobs.ListStale(ctx, statuses, j.now().Add(-age))
	if err != nil {
		return 0, apperrors.NewDatabaseError("list stale jobs", err)
	}

	repaired := 0
	for _, job := range stale {
		h, err := j.scrape.Get(ctx, job.JobID)
		if err != nil {
			return repaired, apperrors.NewQueueUnavailableError("load queue entry", err)
		}
		if h != nil {
			if ev, finished := h.FinalEvent(); finished && j.reconcileFinished(ctx, job, ev) {
				repaired++
			}
			continue
		}

		now := j.now()
		msg := message
		applied, err := j.jobs.ApplyTransition(ctx, job.JobID, statuses, models.JobTransition{
			Status:       types.StatusFailed,
			CompletedAt:  &now,
			ErrorMessage: &msg,
			ErrorDetails: &models.ErrorDetails{Kind: kind, Timestamp: now},
		})
		if err != nil {
			return repaired, apperrors.NewDatabaseError("fail stale job", err)
		}
		if applied {
			repaired++
			j.logger.WithJob(job.JobID, job.SellerID, string(types.StageScrape)).
				WithField("status", string(job.Status)).
				Warn("Failed job record without queue entry")
		}
	}
	return repaired, nil
}

// reconcileFinished replays the final event of a finished entry whose event
// never reached the record, and reports whether the record was closed.
func (j *Janitor) reconcileFinished(ctx context.Context, job *models.ScrapeJob, ev queue.Event) bool {
	logger := j.logger.WithJob(job.JobID, job.SellerID, string(types.StageScrape)).
		WithFields(map[string]interface{}{
			"status": string(job.Status),
			"event":  string(ev.Type),
		})
	apply := j.reconcile
	if apply == nil {
		apply = j.closeFromEvent
	}
	if err := apply(ctx, ev); err != nil {
		logger.WithError(err).Warn("Failed to apply final queue event")
		return false
	}

	latest, err := j.jobs.GetByJobID(ctx, job.JobID)
	if err != nil || !latest.Status.IsTerminal() {
		return false
	}
	logger.WithField("final", string(latest.Status)).Warn("Closed job record from its finished queue entry")
	return true
}

// closeFromEvent moves the record to the final state of ev without the result
// counters or the stage hand-off the synchronizer adds
func (j *Janitor) closeFromEvent(ctx context.Context, ev queue.Event) error {
	finishedOn := ev.Timestamp
	if finishedOn.IsZero() {
		finishedOn = j.now()
	}

	t := models.JobTransition{Status: types.StatusCompleted, CompletedAt: &finishedOn}
	if ev.Type != queue.EventCompleted {
		msg := ev.Error
		if msg == "" {
			msg = "job failed"
		}
		kind := models.ErrorKindFailed
		if ev.Type == queue.EventStalled {
			kind = models.ErrorKindStalled
		}
		t = models.JobTransition{
			Status:       types.StatusFailed,
			CompletedAt:  &finishedOn,
			ErrorMessage: &msg,
			ErrorDetails: &models.ErrorDetails{Kind: kind, Name: ev.ErrorName, AttemptsMade: ev.AttemptsMade, Timestamp: finishedOn},
		}
	}

	if _, err := j.jobs.ApplyTransition(ctx, ev.JobID, types.SourcesFor(t.Status), t); err != nil {
		return apperrors.NewDatabaseError("close finished job", err)
	}
	return nil
}

// RetentionResult reports what a retention sweep deleted
type RetentionResult struct {
	JobRecords   int64          `json:"jobRecords"`
	QueueEntries map[string]int `json:"queueEntries"`
}

// CleanupRetention deletes terminal job records and finished queue entries older than the retention window
func (j *Janitor) CleanupRetention(ctx context.Context) (*RetentionResult, error) {
	deleted, err := j.jobs.DeleteTerminalBefore(ctx, j.now().Add(-j.retention))
	if err != nil {
		return nil, apperrors.NewDatabaseError("delete old jobs", err)
	}

	result := &RetentionResult{JobRecords: deleted, QueueEntries: make(map[string]int)}
	for _, q := range j.queues {
		for _, state := range []queue.State{queue.StateCompleted, queue.StateFailed} {
			n, err := q.Clean(ctx, state, j.retention)
			if err != nil {
				return result, apperrors.NewQueueUnavailableError("clean queue", err)
			}
			result.QueueEntries[q.Name()] += n
		}
		if err := q.TrimEvents(ctx, eventStreamMaxLen); err != nil {
			j.logger.WithError(err).WithField(logging.FieldQueue, q.Name()).Warn("Failed to trim event stream")
		}
	}

	j.logger.WithFields(map[string]interface{}{
		"jobRecords":   result.JobRecords,
		"queueEntries": result.QueueEntries,
	}).Info("Retention cleanup finished")
	return result, nil
}
