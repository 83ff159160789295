package synchronizer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/queue"
	"github.com/seed-scraper/internal/storage/memory"
	"github.com/seed-scraper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingChain struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingChain) OnScrapeCompleted(ctx context.Context, scrapeJobID string, result *pipeline.ScrapeResult) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, scrapeJobID)
	return true, nil
}

func (c *countingChain) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fixture struct {
	sync   *Synchronizer
	jobs   *memory.JobStore
	scrape *queue.Queue
	detect *queue.Queue
}

func setup(t *testing.T, chain ChainTrigger) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := queue.Config{
		Prefix:       "test",
		Attempts:     1,
		LockDuration: 30 * time.Second,
		EventBlock:   20 * time.Millisecond,
		Logger:       logging.Discard(),
		ClaimIdle:    10 * time.Millisecond,
	}
	f := &fixture{
		jobs:   memory.NewJobStore(),
		scrape: queue.New(client, string(types.StageScrape), cfg),
		detect: queue.New(client, string(types.StageDetect), cfg),
	}
	if chain == nil {
		chain = pipeline.NewChain(f.detect, logging.Discard())
	}
	f.sync = New(f.jobs, f.scrape, map[types.Stage]*queue.Queue{types.StageDetect: f.detect}, chain, Options{
		Consumer: "test",
		Logger:   logging.Discard(),
	})
	return f
}

func (f *fixture) createJob(t *testing.T, jobID string, status types.JobStatus) {
	t.Helper()
	require.NoError(t, f.jobs.Create(context.Background(), &models.ScrapeJob{
		JobID:    jobID,
		SellerID: "seller-" + jobID,
		Status:   status,
		Mode:     types.ModeManual,
	}))
}

func (f *fixture) status(t *testing.T, jobID string) *models.ScrapeJob {
	t.Helper()
	job, err := f.jobs.GetByJobID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func completedEvent(jobID string, result pipeline.ScrapeResult) queue.Event {
	data, _ := json.Marshal(result)
	processed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	finished := processed.Add(90 * time.Second)
	return queue.Event{
		Type:        queue.EventCompleted,
		JobID:       jobID,
		Result:      data,
		ProcessedOn: &processed,
		FinishedOn:  &finished,
	}
}

var sampleResult = pipeline.ScrapeResult{
	Success:       true,
	SellerID:      "seller-1",
	SellerName:    "Heirloom Seeds",
	TotalProducts: 1,
	TotalPages:    2,
	Saved:         1,
	Errors:        1,
	Products: []models.Product{{
		Name:     "Tomato",
		URL:      "https://shop.example/tomato",
		Pricings: []models.Pricing{{PackSize: "10 seeds", TotalPrice: 8}},
	}},
}

func TestHandle_LifecycleTransitions(t *testing.T) {
	f := setup(t, &countingChain{})
	ctx := context.Background()
	f.createJob(t, "job-1", types.StatusCreated)

	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventWaiting, JobID: "job-1"}))
	assert.Equal(t, types.StatusWaiting, f.status(t, "job-1").Status)

	processed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventActive, JobID: "job-1", ProcessedOn: &processed}))
	job := f.status(t, "job-1")
	assert.Equal(t, types.StatusActive, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.True(t, processed.Equal(*job.StartedAt))

	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventRetrying, JobID: "job-1", AttemptsMade: 1, Error: "timeout"}))
	assert.Equal(t, types.StatusDelayed, f.status(t, "job-1").Status)

	retried := processed.Add(time.Minute)
	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventWaiting, JobID: "job-1"}))
	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventActive, JobID: "job-1", ProcessedOn: &retried}))
	job = f.status(t, "job-1")
	require.NotNil(t, job.StartedAt)
	assert.True(t, processed.Equal(*job.StartedAt), "a retry keeps the first start time")

	require.NoError(t, f.sync.Handle(ctx, completedEvent("job-1", sampleResult)))

	job = f.status(t, "job-1")
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Errors)
	require.NotNil(t, job.DurationMs)
	assert.Equal(t, int64(90000), *job.DurationMs)
	assert.Equal(t, 1, job.ProductsScraped)
	assert.Equal(t, 1, job.ProductsSaved)
	assert.Equal(t, 2, job.TotalPages)
	assert.NotNil(t, job.CompletedAt)
}

func TestHandle_TerminalRecordsAreImmutable(t *testing.T) {
	chain := &countingChain{}
	f := setup(t, chain)
	ctx := context.Background()
	f.createJob(t, "job-1", types.StatusActive)

	cancelled := "stopped by administrator"
	applied, err := f.jobs.ApplyTransition(ctx, "job-1", types.SourcesFor(types.StatusCancelled), models.JobTransition{
		Status:       types.StatusCancelled,
		ErrorMessage: &cancelled,
	})
	require.NoError(t, err)
	require.True(t, applied)
	before := f.status(t, "job-1")

	events := []queue.Event{
		completedEvent("job-1", sampleResult),
		{Type: queue.EventFailed, JobID: "job-1", Error: "boom"},
		{Type: queue.EventStalled, JobID: "job-1"},
		{Type: queue.EventActive, JobID: "job-1"},
		{Type: queue.EventWaiting, JobID: "job-1"},
		{Type: queue.EventRetrying, JobID: "job-1"},
		completedEvent("job-1", sampleResult),
	}
	for _, ev := range events {
		require.NoError(t, f.sync.Handle(ctx, ev))
	}

	assert.Equal(t, before, f.status(t, "job-1"))
	assert.Empty(t, chain.Calls(), "a late completion of a cancelled job is not chained")
}

func TestHandle_StalledIsDistinguishable(t *testing.T) {
	f := setup(t, &countingChain{})
	ctx := context.Background()
	f.createJob(t, "job-1", types.StatusActive)
	f.createJob(t, "job-2", types.StatusActive)

	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventStalled, JobID: "job-1", ErrorName: "JOB_STALLED"}))
	require.NoError(t, f.sync.Handle(ctx, queue.Event{Type: queue.EventFailed, JobID: "job-2", Error: "scrape failed", ErrorName: "SCRAPE_FAILED", AttemptsMade: 3}))

	stalled := f.status(t, "job-1")
	assert.Equal(t, types.StatusFailed, stalled.Status)
	require.NotNil(t, stalled.ErrorDetails)
	assert.Equal(t, models.ErrorKindStalled, stalled.ErrorDetails.Kind)
	assert.Contains(t, *stalled.ErrorMessage, "stalled")

	failed := f.status(t, "job-2")
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, models.ErrorKindFailed, failed.ErrorDetails.Kind)
	assert.Equal(t, "scrape failed", *failed.ErrorMessage)
	assert.Equal(t, 3, failed.ErrorDetails.AttemptsMade)
	assert.NotNil(t, failed.CompletedAt)
}

func TestHandle_DuplicateCompletionQueuesOneDetectJob(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.createJob(t, "job-1", types.StatusActive)

	ev := completedEvent("job-1", sampleResult)
	require.NoError(t, f.sync.Handle(ctx, ev))
	require.NoError(t, f.sync.Handle(ctx, ev))

	counts, err := f.detect.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestHandle_EmptyScrapeIsNotChained(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.createJob(t, "job-1", types.StatusActive)

	require.NoError(t, f.sync.Handle(ctx, completedEvent("job-1", pipeline.ScrapeResult{Success: true, SellerID: "seller-1"})))

	assert.Equal(t, types.StatusCompleted, f.status(t, "job-1").Status)
	counts, err := f.detect.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestSynchronizer_StartStopAreIdempotent(t *testing.T) {
	f := setup(t, &countingChain{})
	ctx := context.Background()

	require.NoError(t, f.sync.Start(ctx))
	require.NoError(t, f.sync.Start(ctx))
	assert.True(t, f.sync.Running())

	f.sync.Stop()
	f.sync.Stop()
	assert.False(t, f.sync.Running())
}

func TestSynchronizer_ReconcilesWorkerRun(t *testing.T) {
	f := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.createJob(t, "job-1", types.StatusCreated)
	_, err := f.scrape.Enqueue(ctx, "job-1", map[string]string{"sellerId": "seller-job-1"}, queue.Options{})
	require.NoError(t, err)

	require.NoError(t, f.sync.Start(ctx))
	defer f.sync.Stop()

	worker := f.scrape.NewWorker(func(ctx context.Context, h *queue.Handle) (interface{}, error) {
		return sampleResult, nil
	}, queue.WorkerOptions{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.jobs.GetByJobID(context.Background(), "job-1")
		return err == nil && job.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h, err := f.detect.Get(context.Background(), pipeline.DetectJobID("job-1"))
		return err == nil && h != nil
	}, 5*time.Second, 10*time.Millisecond)

	job := f.status(t, "job-1")
	assert.NotNil(t, job.StartedAt)
	assert.Equal(t, 1, job.ProductsScraped)

	cancel()
	require.NoError(t, <-done)
}

func TestSynchronizer_ClaimsEventsOfStoppedConsumer(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	f.createJob(t, "job-1", types.StatusCreated)
	require.NoError(t, f.scrape.EnsureGroup(ctx, DefaultGroup))
	_, err := f.scrape.Enqueue(ctx, "job-1", map[string]string{"sellerId": "seller-job-1"}, queue.Options{})
	require.NoError(t, err)

	workerCtx, stopWorker := context.WithCancel(ctx)
	worker := f.scrape.NewWorker(func(ctx context.Context, h *queue.Handle) (interface{}, error) {
		return sampleResult, nil
	}, queue.WorkerOptions{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- worker.Run(workerCtx) }()

	require.Eventually(t, func() bool {
		h, err := f.scrape.Get(ctx, "job-1")
		return err == nil && h != nil && h.State == queue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	stopWorker()
	require.NoError(t, <-done)

	// a previous process read the events and exited before acknowledging them
	read, err := f.scrape.ReadEvents(ctx, DefaultGroup, "worker-old-pod", 10, -1, false)
	require.NoError(t, err)
	require.NotEmpty(t, read)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, f.sync.Start(ctx))
	defer f.sync.Stop()

	require.Eventually(t, func() bool {
		job, err := f.jobs.GetByJobID(context.Background(), "job-1")
		return err == nil && job.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.status(t, "job-1").ProductsScraped)
}
