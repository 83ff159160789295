// Package synchronizer reconciles queue lifecycle events into the scrape job
// records. It is the only path by which automatic status changes, including
// terminal ones, reach the job store.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// DefaultGroup is the consumer group the synchronizer reads queue events with
const DefaultGroup = "synchronizer"

// ChainTrigger hands a completed scrape to the next stage
type ChainTrigger interface {
	OnScrapeCompleted(ctx context.Context, scrapeJobID string, result *pipeline.ScrapeResult) (bool, error)
}

// Options configures a Synchronizer
type Options struct {
	Group    string
	Consumer string
	Logger   *logging.Logger
}

// Synchronizer subscribes to the scrape queue events and applies them to job
// records with conditional writes. Detect and alert events are logged per stage.
// Every handler is safe to run more than once for the same event.
type Synchronizer struct {
	jobs     storage.JobStore
	scrape   *queue.Queue
	stages   map[types.Stage]*queue.Queue
	chain    ChainTrigger
	group    string
	consumer string
	logger   *logging.Logger
	now      func() time.Time

	handlers map[queue.EventType]queue.EventHandler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a synchronizer. stages holds the downstream queues whose events
// are only logged; it may be empty.
func New(jobs storage.JobStore, scrape *queue.Queue, stages map[types.Stage]*queue.Queue, chain ChainTrigger, opts Options) *Synchronizer {
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	s := &Synchronizer{
		jobs:     jobs,
		scrape:   scrape,
		stages:   stages,
		chain:    chain,
		group:    opts.Group,
		consumer: opts.Consumer,
		logger:   opts.Logger.WithField("component", "synchronizer"),
		now:      time.Now,
	}

	s.handlers = map[queue.EventType]queue.EventHandler{
		queue.EventWaiting:   s.onWaiting,
		queue.EventDelayed:   s.onDelayed,
		queue.EventRetrying:  s.onRetrying,
		queue.EventActive:    s.onActive,
		queue.EventCompleted: s.onCompleted,
		queue.EventFailed:    s.onFailed,
		queue.EventStalled:   s.onStalled,
		queue.EventError:     s.onError,
	}
	return s
}

// Start subscribes to the queues. Calling Start on a started synchronizer does nothing.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if err := s.scrape.EnsureGroup(ctx, s.group); err != nil {
		return apperrors.NewQueueUnavailableError("subscribe to scrape events", err)
	}
	for stage, q := range s.stages {
		if err := q.EnsureGroup(ctx, s.group); err != nil {
			return apperrors.NewQueueUnavailableError(fmt.Sprintf("subscribe to %s events", stage), err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	s.subscribe(runCtx, s.scrape, s.Handle)
	for stage, q := range s.stages {
		s.subscribe(runCtx, q, s.stageLogger(stage))
	}

	s.logger.WithField("group", s.group).Info("Event synchronizer started")
	return nil
}

func (s *Synchronizer) subscribe(ctx context.Context, q *queue.Queue, handler queue.EventHandler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := q.Subscribe(ctx, s.group, s.consumer, handler); err != nil {
			s.logger.WithError(err).WithField(logging.FieldQueue, q.Name()).Error("Event subscription ended")
		}
	}()
}

// Stop ends the subscriptions and waits for in-flight handlers. Calling Stop
// on a stopped synchronizer does nothing.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Event synchronizer stopped")
}

// Running reports whether the subscriptions are attached
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Handle applies one scrape queue event. Unknown event types are ignored.
func (s *Synchronizer) Handle(ctx context.Context, ev queue.Event) error {
	handler, ok := s.handlers[ev.Type]
	if !ok {
		return nil
	}
	return handler(ctx, ev)
}

func (s *Synchronizer) eventLogger(ev queue.Event) *logging.Logger {
	return s.logger.WithJob(ev.JobID, "", string(types.StageScrape)).WithField("event", string(ev.Type))
}

func (s *Synchronizer) apply(ctx context.Context, ev queue.Event, from []types.JobStatus, t models.JobTransition) (bool, error) {
	applied, err := s.jobs.ApplyTransition(ctx, ev.JobID, from, t)
	if err != nil {
		return false, apperrors.NewDatabaseError("apply job transition", err)
	}

	logger := s.eventLogger(ev).WithField("status", string(t.Status))
	if applied {
		logger.Debug("Job record updated")
	} else {
		logger.Debug("Event ignored, job record not in a source status")
	}
	return applied, nil
}

func (s *Synchronizer) onWaiting(ctx context.Context, ev queue.Event) error {
	_, err := s.apply(ctx, ev, types.SourcesFor(types.StatusWaiting), models.JobTransition{Status: types.StatusWaiting})
	return err
}

func (s *Synchronizer) onDelayed(ctx context.Context, ev queue.Event) error {
	from := []types.JobStatus{types.StatusCreated, types.StatusWaiting}
	_, err := s.apply(ctx, ev, from, models.JobTransition{Status: types.StatusDelayed})
	return err
}

// onRetrying moves a failed attempt back to delayed until its backoff expires
func (s *Synchronizer) onRetrying(ctx context.Context, ev queue.Event) error {
	applied, err := s.apply(ctx, ev, types.SourcesFor(types.StatusDelayed), models.JobTransition{Status: types.StatusDelayed})
	if err == nil && applied {
		s.eventLogger(ev).WithFields(map[string]interface{}{
			"attemptsMade": ev.AttemptsMade,
			"error":        ev.Error,
		}).Warn("Scrape attempt failed, retry scheduled")
	}
	return err
}

// onActive marks the record running. A retry keeps the start of the first attempt.
func (s *Synchronizer) onActive(ctx context.Context, ev queue.Event) error {
	startedAt := s.eventTime(ev, ev.ProcessedOn)
	_, err := s.apply(ctx, ev, types.SourcesFor(types.StatusActive), models.JobTransition{
		Status:    types.StatusActive,
		StartedAt: &startedAt,
	})
	return err
}

// onCompleted records the result and triggers the detect stage. The chain runs
// whenever the record ends up COMPLETED, so a redelivered event whose first
// hand-off failed is retried; the detect job id makes the hand-off idempotent.
func (s *Synchronizer) onCompleted(ctx context.Context, ev queue.Event) error {
	logger := s.eventLogger(ev)

	var result pipeline.ScrapeResult
	if err := ev.DecodeResult(&result); err != nil {
		logger.WithError(err).Error("Completed event carries no readable result")
		result = pipeline.ScrapeResult{}
	}

	finishedOn := s.eventTime(ev, ev.FinishedOn)
	t := models.JobTransition{
		Status:          types.StatusCompleted,
		CompletedAt:     &finishedOn,
		TotalPages:      &result.TotalPages,
		ProductsScraped: &result.TotalProducts,
		ProductsSaved:   &result.Saved,
		ProductsUpdated: &result.Updated,
		Errors:          &result.Errors,
	}
	if ev.ProcessedOn != nil {
		d := finishedOn.Sub(*ev.ProcessedOn).Milliseconds()
		t.DurationMs = &d
	}

	if _, err := s.apply(ctx, ev, types.SourcesFor(types.StatusCompleted), t); err != nil {
		return err
	}

	job, err := s.jobs.GetByJobID(ctx, ev.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Completed event for unknown job record")
			return nil
		}
		return apperrors.NewDatabaseError("load job record", err)
	}
	if job.Status != types.StatusCompleted {
		logger.WithField("status", string(job.Status)).Info("Scrape finished after the job record was closed, not chaining")
		return nil
	}

	if s.chain == nil {
		return nil
	}
	_, err = s.chain.OnScrapeCompleted(ctx, ev.JobID, &result)
	return err
}

func (s *Synchronizer) onFailed(ctx context.Context, ev queue.Event) error {
	kind := models.ErrorKindFailed
	if ev.ErrorName == apperrors.CodeJobStalled {
		kind = models.ErrorKindStalled
	}
	return s.fail(ctx, ev, kind, ev.Error)
}

// onStalled fails the job with a stalled marker so operators can tell a dead
// worker from a scrape that returned an error
func (s *Synchronizer) onStalled(ctx context.Context, ev queue.Event) error {
	message := apperrors.NewJobStalledError(ev.JobID).Message
	return s.fail(ctx, ev, models.ErrorKindStalled, message)
}

func (s *Synchronizer) fail(ctx context.Context, ev queue.Event, kind, message string) error {
	finishedOn := s.eventTime(ev, ev.FinishedOn)
	if message == "" {
		message = "job failed"
	}

	applied, err := s.apply(ctx, ev, types.SourcesFor(types.StatusFailed), models.JobTransition{
		Status:       types.StatusFailed,
		CompletedAt:  &finishedOn,
		ErrorMessage: &message,
		ErrorDetails: &models.ErrorDetails{
			Kind:         kind,
			Name:         ev.ErrorName,
			Stack:        ev.Stack,
			AttemptsMade: ev.AttemptsMade,
			Timestamp:    finishedOn,
		},
	})
	if err == nil && applied {
		s.eventLogger(ev).WithFields(map[string]interface{}{
			"kind":         kind,
			"attemptsMade": ev.AttemptsMade,
			"error":        message,
		}).Error("Scrape job failed")
	}
	return err
}

func (s *Synchronizer) onError(ctx context.Context, ev queue.Event) error {
	s.eventLogger(ev).WithField("error", ev.Error).Error("Queue reported an error")
	return nil
}

// stageLogger returns a handler that logs detect and alert events
func (s *Synchronizer) stageLogger(stage types.Stage) queue.EventHandler {
	return func(ctx context.Context, ev queue.Event) error {
		logger := s.logger.WithJob(ev.JobID, "", string(stage)).WithField("event", string(ev.Type))
		switch ev.Type {
		case queue.EventCompleted:
			logger.WithField("result", string(ev.Result)).Info("Stage job completed")
		case queue.EventRetrying:
			logger.WithField("error", ev.Error).Warn("Stage job attempt failed, retry scheduled")
		case queue.EventFailed, queue.EventStalled:
			logger.WithFields(map[string]interface{}{
				"error":        ev.Error,
				"attemptsMade": ev.AttemptsMade,
			}).Error("Stage job failed")
		case queue.EventError:
			logger.WithField("error", ev.Error).Error("Queue reported an error")
		default:
			logger.Debug("Stage job event")
		}
		return nil
	}
}

func (s *Synchronizer) eventTime(ev queue.Event, at *time.Time) time.Time {
	if at != nil {
		return *at
	}
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return s.now()
}
