package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupTestQueue creates a queue backed by miniredis with a controllable clock
func setupTestQueue(t *testing.T) (*Queue, *testClock, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(client, "scrape", Config{
		Prefix:       "test",
		Attempts:     3,
		Backoff:      5 * time.Second,
		LockDuration: 30 * time.Second,
		EventBlock:   20 * time.Millisecond,
		Logger:       logging.Discard(),
		Clock:        clock.Now,
	})
	return q, clock, mr
}

type testPayload struct {
	SellerID string `json:"sellerId"`
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "job-1", testPayload{SellerID: "s1"}, Options{Priority: 10})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StateWaiting, first.State)
	assert.Equal(t, 3, first.Attempts)

	second, err := q.Enqueue(ctx, "job-1", testPayload{SellerID: "other"}, Options{Priority: 1})
	require.NoError(t, err)

	var p testPayload
	require.NoError(t, second.Decode(&p))
	assert.Equal(t, "s1", p.SellerID, "existing entry is returned unchanged")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestEnqueue_DelayedEntry(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{Delay: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, h.State)

	n, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(time.Minute)
	n, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, h.State)
}

func TestMoveToActive_HonorsPriority(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "auto", testPayload{}, Options{Priority: 1})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, "batch", testPayload{}, Options{Priority: 5})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, "manual", testPayload{}, Options{Priority: 10})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		h, err := q.moveToActive(ctx)
		require.NoError(t, err)
		require.NotNil(t, h)
		order = append(order, h.ID)
	}
	assert.Equal(t, []string{"manual", "batch", "auto"}, order)

	h, err := q.moveToActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, h, "empty wait set yields no entry")
}

func TestMoveToActive_FIFOWithinPriority(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, testPayload{}, Options{Priority: 5})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	for _, want := range []string{"a", "b", "c"} {
		h, err := q.moveToActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, h.ID)
	}
}

func TestHandle_IsExecuting(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	assert.False(t, h.IsExecuting())

	active, err := q.moveToActive(ctx)
	require.NoError(t, err)
	assert.True(t, active.IsExecuting())
	assert.Equal(t, StateActive, active.State)

	ok, err := q.moveToCompleted(ctx, active, map[string]int{"products": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, done.IsExecuting())
	assert.Equal(t, StateCompleted, done.State)
	assert.JSONEq(t, `{"products":3}`, string(done.Result))
}

func TestRemove(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	waiting, err := q.Enqueue(ctx, "waiting", testPayload{}, Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "running", testPayload{}, Options{Priority: 50})
	require.NoError(t, err)

	running, err := q.moveToActive(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", running.ID)

	require.NoError(t, q.Remove(ctx, waiting))
	gone, err := q.Get(ctx, "waiting")
	require.NoError(t, err)
	assert.Nil(t, gone)

	err = q.Remove(ctx, running)
	assert.ErrorIs(t, err, ErrJobActive)

	still, err := q.Get(ctx, "running")
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, StateActive, still.State)

	assert.NoError(t, q.Remove(ctx, &Handle{ID: "missing"}))
	assert.NoError(t, q.Remove(ctx, nil))
}

func TestRemove_RefusesFinishedEntry(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	h, err := q.moveToActive(ctx)
	require.NoError(t, err)
	_, err = q.moveToCompleted(ctx, h, map[string]int{"products": 2})
	require.NoError(t, err)

	done, err := q.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)

	assert.ErrorIs(t, q.Remove(ctx, done), ErrJobFinished)

	kept, err := q.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, StateCompleted, kept.State)
	assert.JSONEq(t, `{"products":2}`, string(kept.Result))
}

func TestHandle_FinalEvent(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ok", testPayload{SellerID: "s1"}, Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "bad", testPayload{SellerID: "s2"}, Options{Priority: 1})
	require.NoError(t, err)

	h, err := q.moveToActive(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", h.ID)
	_, err = q.moveToCompleted(ctx, h, map[string]int{"products": 4})
	require.NoError(t, err)

	h, err = q.moveToActive(ctx)
	require.NoError(t, err)
	_, err = q.moveToFailed(ctx, h, Unrecoverable(errors.New("bad payload")))
	require.NoError(t, err)

	ok, err := q.Get(ctx, "ok")
	require.NoError(t, err)
	ev, finished := ok.FinalEvent()
	require.True(t, finished)
	assert.Equal(t, EventCompleted, ev.Type)
	assert.Equal(t, "ok", ev.JobID)
	assert.JSONEq(t, `{"products":4}`, string(ev.Result))
	require.NotNil(t, ev.FinishedOn)
	assert.Equal(t, *ev.FinishedOn, ev.Timestamp)

	bad, err := q.Get(ctx, "bad")
	require.NoError(t, err)
	ev, finished = bad.FinalEvent()
	require.True(t, finished)
	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, "bad payload", ev.Error)
	assert.Equal(t, "UnrecoverableError", ev.ErrorName)
	assert.Nil(t, ev.Result)

	_, err = q.Enqueue(ctx, "queued", testPayload{}, Options{})
	require.NoError(t, err)
	queued, err := q.Get(ctx, "queued")
	require.NoError(t, err)
	_, finished = queued.FinalEvent()
	assert.False(t, finished)
}

func TestMoveToFailed_RetriesWithBackoffThenFails(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{Attempts: 2, Backoff: time.Second})
	require.NoError(t, err)

	h, err := q.moveToActive(ctx)
	require.NoError(t, err)

	retrying, err := q.moveToFailed(ctx, h, errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, retrying)

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, h.State)
	assert.Equal(t, 1, h.AttemptsMade)
	assert.Nil(t, h.ProcessedOn, "a rescheduled entry is not executing")

	clock.Advance(time.Second)
	_, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)

	h, err = q.moveToActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)

	retrying, err = q.moveToFailed(ctx, h, errors.New("timeout again"))
	require.NoError(t, err)
	assert.False(t, retrying)

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, 2, h.AttemptsMade)
	assert.Equal(t, "timeout again", h.FailedReason)
}

func TestMoveToFailed_UnrecoverableSkipsRetries(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{Attempts: 5})
	require.NoError(t, err)
	h, err := q.moveToActive(ctx)
	require.NoError(t, err)

	retrying, err := q.moveToFailed(ctx, h, Unrecoverable(errors.New("bad payload")))
	require.NoError(t, err)
	assert.False(t, retrying)

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
}

func TestCheckStalled(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	h, err := q.moveToActive(ctx)
	require.NoError(t, err)

	ids, err := q.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Advance(20 * time.Second)
	held, err := q.extendLock(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, held)

	clock.Advance(20 * time.Second)
	ids, err = q.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "heartbeat extended the lock")

	clock.Advance(31 * time.Second)
	ids, err = q.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
	assert.True(t, h.Stalled)

	held, err = q.extendLock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, held)

	ok, err := q.moveToCompleted(ctx, h, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a stalled entry cannot complete late")
}

func TestClean(t *testing.T) {
	q, clock, _ := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	h, err := q.moveToActive(ctx)
	require.NoError(t, err)
	_, err = q.moveToCompleted(ctx, h, nil)
	require.NoError(t, err)

	n, err := q.Clean(ctx, StateCompleted, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Hour)
	n, err = q.Clean(ctx, StateCompleted, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Clean(ctx, StateWaiting, time.Hour)
	assert.Error(t, err)
}

func TestUpdateProgress(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	require.NoError(t, h.UpdateProgress(ctx, map[string]int{"currentPage": 2}))

	h, err = q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"currentPage":2}`, string(h.Progress))

	assert.NoError(t, q.UpdateProgress(ctx, "missing", 1))
	missing, err := q.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEvents_LifecycleOrder(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "sync"))
	require.NoError(t, q.EnsureGroup(ctx, "sync"), "creating an existing group is a no-op")

	_, err := q.Enqueue(ctx, "job-1", testPayload{SellerID: "s1"}, Options{})
	require.NoError(t, err)
	h, err := q.moveToActive(ctx)
	require.NoError(t, err)
	_, err = q.moveToCompleted(ctx, h, map[string]bool{"success": true})
	require.NoError(t, err)

	events, err := q.ReadEvents(ctx, "sync", "c1", 10, -1, false)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, EventWaiting, events[0].Type)
	assert.Equal(t, EventActive, events[1].Type)
	assert.NotNil(t, events[1].ProcessedOn)
	assert.Equal(t, EventCompleted, events[2].Type)
	assert.NotNil(t, events[2].FinishedOn)

	var result map[string]bool
	require.NoError(t, events[2].DecodeResult(&result))
	assert.True(t, result["success"])

	var payload testPayload
	require.NoError(t, events[2].Decode(&payload))
	assert.Equal(t, "s1", payload.SellerID)

	pending, err := q.ReadEvents(ctx, "sync", "c1", 10, -1, true)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "unacknowledged events stay pending")

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.StreamID)
	}
	require.NoError(t, q.AckEvents(ctx, "sync", ids...))

	pending, err = q.ReadEvents(ctx, "sync", "c1", 10, -1, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_ProcessesJobs(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	w := q.NewWorker(func(ctx context.Context, job *Handle) (interface{}, error) {
		atomic.AddInt32(&processed, 1)
		return map[string]string{"id": job.ID}, nil
	}, WorkerOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond})

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, testPayload{}, Options{})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, ErrWorkerRunning, w.Run(ctx))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), atomic.LoadInt32(&processed))
}

func TestWorker_DoesNotInterruptRunningProcessor(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	w := q.NewWorker(func(jobCtx context.Context, job *Handle) (interface{}, error) {
		close(started)
		<-release
		sawCancel.Store(jobCtx.Err() != nil)
		return nil, nil
	}, WorkerOptions{Concurrency: 1, PollInterval: 10 * time.Millisecond})

	_, err := q.Enqueue(context.Background(), "long", testPayload{}, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a processor was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.False(t, sawCancel.Load(), "processor context is not cancelled by shutdown")

	h, err := q.Get(context.Background(), "long")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, h.State)
}

func TestWorker_PanicFailsJob(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := q.NewWorker(func(ctx context.Context, job *Handle) (interface{}, error) {
		panic("boom")
	}, WorkerOptions{PollInterval: 10 * time.Millisecond})

	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{Attempts: 3})
	require.NoError(t, err)

	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		h, err := q.Get(context.Background(), "job-1")
		return err == nil && h != nil && h.State == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_DeliversAndAcks(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []EventType
	handler := func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Subscribe(ctx, "sync", "c1", handler) }()

	_, err := q.Enqueue(context.Background(), "job-1", testPayload{}, Options{Delay: time.Minute})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []EventType{EventDelayed}, seen)
}

func TestSubscribe_RedeliversWhenHandlerFails(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	q.pendingEvery = 30 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	handler := func(ctx context.Context, ev Event) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Subscribe(ctx, "sync", "c1", handler) }()

	_, err := q.Enqueue(context.Background(), "job-1", testPayload{}, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := q.client.XPending(context.Background(), q.key("events"), "sync").Result()
		return err == nil && pending.Count == 0 && atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSubscribe_ClaimsEventsOfDeadConsumer(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	q.claimIdle = time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx, "sync"))
	_, err := q.Enqueue(ctx, "job-1", testPayload{}, Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "job-2", testPayload{}, Options{Delay: time.Minute})
	require.NoError(t, err)

	// read by a consumer that exits before acknowledging
	abandoned, err := q.ReadEvents(ctx, "sync", "worker-old", 10, -1, false)
	require.NoError(t, err)
	require.Len(t, abandoned, 2)
	time.Sleep(10 * time.Millisecond)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.JobID)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Subscribe(subCtx, "sync", "worker-new", handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, seen)

	pending, err := q.client.XPending(ctx, q.key("events"), "sync").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestPriorityScore(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	assert.Less(t, priorityScore(10, at), priorityScore(1, at))
	assert.Less(t, priorityScore(5, at), priorityScore(5, at.Add(time.Millisecond)))
	assert.Equal(t, priorityScore(maxPriority, at), priorityScore(500, at), "priorities are clamped")
	assert.Equal(t, "1700000000000", formatScore(priorityScore(maxPriority, at)))
}
