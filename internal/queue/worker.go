package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seed-scraper/internal/logging"
)

// Processor executes one entry and returns its result. Processors run to
// completion: shutting a worker down never interrupts a running processor.
type Processor func(ctx context.Context, job *Handle) (interface{}, error)

// WorkerOptions configures a Worker
type WorkerOptions struct {
	Concurrency   int
	PollInterval  time.Duration
	StallInterval time.Duration
}

// Worker pulls entries from a queue and runs a processor on them
type Worker struct {
	q             *Queue
	processor     Processor
	concurrency   int
	pollInterval  time.Duration
	stallInterval time.Duration
	logger        *logging.Logger

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWorker creates a worker for the queue
func (q *Queue) NewWorker(processor Processor, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StallInterval <= 0 {
		opts.StallInterval = q.lockDuration
	}

	return &Worker{
		q:             q,
		processor:     processor,
		concurrency:   opts.Concurrency,
		pollInterval:  opts.PollInterval,
		stallInterval: opts.StallInterval,
		logger:        q.logger,
		sem:           make(chan struct{}, opts.Concurrency),
		wake:          make(chan struct{}, 1),
	}
}

// Run processes entries until ctx is done, then waits for in-flight entries to finish
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.wg.Wait()
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.logger.Info("Worker stopped")
	}()

	w.logger.WithField("concurrency", w.concurrency).Info("Worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastStallCheck time.Time
	for {
		if time.Since(lastStallCheck) >= w.stallInterval {
			if _, err := w.q.CheckStalled(ctx); err != nil && ctx.Err() == nil {
				w.q.emitError(err)
			}
			lastStallCheck = time.Now()
		}

		if _, err := w.q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
			w.q.emitError(err)
		}

		w.fill(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// fill starts entries until the concurrency limit is reached or the wait set is empty
func (w *Worker) fill(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		h, err := w.q.moveToActive(ctx)
		if err != nil || h == nil {
			<-w.sem
			if err != nil && ctx.Err() == nil {
				w.q.emitError(err)
			}
			return
		}

		w.wg.Add(1)
		go w.execute(ctx, h)
	}
}

func (w *Worker) execute(parent context.Context, h *Handle) {
	defer func() {
		<-w.sem
		w.wg.Done()
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}()

	ctx := context.WithoutCancel(parent)
	logger := w.logger.WithField(logging.FieldJobID, h.ID)
	ctx = logging.WithLogger(ctx, logger)

	stopHeartbeat := w.heartbeat(ctx, h.ID, logger)
	result, err := w.safeProcess(ctx, h)
	stopHeartbeat()

	if err != nil {
		retrying, moveErr := w.q.moveToFailed(ctx, h, err)
		if moveErr != nil {
			w.q.emitError(moveErr)
			return
		}
		logger.WithError(err).WithFields(map[string]interface{}{
			"attemptsMade": h.AttemptsMade + 1,
			"retrying":     retrying,
		}).Warn("Job attempt failed")
		return
	}

	done, moveErr := w.q.moveToCompleted(ctx, h, result)
	if moveErr != nil {
		w.q.emitError(moveErr)
		return
	}
	if !done {
		logger.Warn("Job finished after losing its lock, result discarded")
		return
	}
	logger.Debug("Job completed")
}

// heartbeat extends the entry lock every half lock duration until stopped
func (w *Worker) heartbeat(ctx context.Context, jobID string, logger *logging.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.q.lockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := w.q.extendLock(ctx, jobID)
				if err != nil {
					logger.WithError(err).Warn("Failed to extend job lock")
					continue
				}
				if !held {
					logger.Warn("Job lock lost")
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) safeProcess(ctx context.Context, h *Handle) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Unrecoverable(fmt.Errorf("processor panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return w.processor(ctx, h)
}
