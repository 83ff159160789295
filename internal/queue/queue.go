// Package queue implements a durable work queue on Redis: at-least-once delivery,
// priorities, delayed entries, retries with exponential backoff, stall detection
// and a lifecycle event stream. One Queue exists per pipeline stage.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/retry"
)

var (
	// ErrJobActive is returned when removing an entry a worker is executing
	ErrJobActive = errors.New("job is active")
	// ErrJobFinished is returned when removing an entry that already completed or failed
	ErrJobFinished = errors.New("job already finished")
	// ErrWorkerRunning is returned when Run is called on a running worker
	ErrWorkerRunning = errors.New("worker already running")
)

// maxPriority bounds Options.Priority; higher priorities are pulled first.
const maxPriority = 100

// State is the position of an entry inside the queue
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Options controls how an entry is scheduled. Zero values fall back to the queue defaults.
type Options struct {
	Priority int
	Delay    time.Duration
	Attempts int
	Backoff  time.Duration // base delay, doubled for every further attempt
}

// Config configures a Queue
type Config struct {
	Prefix       string
	Attempts     int
	Backoff      time.Duration
	LockDuration time.Duration
	EventBlock   time.Duration // how long Subscribe blocks waiting for events
	Logger       *logging.Logger
	Clock        func() time.Time

	// PendingInterval is how often Subscribe redelivers events left unacknowledged
	PendingInterval time.Duration
	// ClaimIdle is how long an event may sit unacknowledged with another
	// consumer before Subscribe claims it
	ClaimIdle time.Duration
}

// Counts is the number of entries per state
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue is a Redis-backed durable work queue
type Queue struct {
	name         string
	prefix       string
	client       redis.UniversalClient
	defaults     Options
	lockDuration time.Duration
	eventBlock   time.Duration
	pendingEvery time.Duration
	claimIdle    time.Duration
	logger       *logging.Logger
	now          func() time.Time

	errMu      sync.RWMutex
	errHandler []func(error)
}

// New creates a queue named name on client
func New(client redis.UniversalClient, name string, cfg Config) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "seedq"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = retry.DefaultPolicy().MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = retry.DefaultPolicy().InitialDelay
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Second
	}
	if cfg.EventBlock <= 0 {
		cfg.EventBlock = 2 * time.Second
	}
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = defaultPendingInterval
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaultClaimIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Queue{
		name:   name,
		prefix: cfg.Prefix + ":" + name,
		client: client,
		defaults: Options{
			Attempts: cfg.Attempts,
			Backoff:  cfg.Backoff,
		},
		lockDuration: cfg.LockDuration,
		eventBlock:   cfg.EventBlock,
		pendingEvery: cfg.PendingInterval,
		claimIdle:    cfg.ClaimIdle,
		logger:       cfg.Logger.WithField(logging.FieldQueue, name),
		now:          cfg.Clock,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return q.prefix + ":" + suffix
}

func (q *Queue) jobKeyPrefix() string {
	return q.prefix + ":job:"
}

func (q *Queue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

// OnError registers a listener for queue-level errors (Redis failures inside the worker loop)
func (q *Queue) OnError(fn func(error)) {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	q.errHandler = append(q.errHandler, fn)
}

func (q *Queue) emitError(err error) {
	q.logger.WithError(err).Error("Queue error")
	q.errMu.RLock()
	defer q.errMu.RUnlock()
	for _, fn := range q.errHandler {
		fn(err)
	}
}

// Enqueue adds an entry under jobID. Enqueue is idempotent: when an entry with
// the same id already exists it is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload interface{}, opts Options) (*Handle, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	if opts.Attempts <= 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.defaults.Backoff
	}

	now := q.now()
	score := priorityScore(opts.Priority, now)
	readyAt := now.Add(opts.Delay)

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.key("wait"), q.key("delayed"), q.key("events")},
		jobID,
		string(data),
		opts.Priority,
		opts.Attempts,
		opts.Backoff.Milliseconds(),
		opts.Delay.Milliseconds(),
		now.UnixMilli(),
		formatScore(score),
		readyAt.UnixMilli(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	if created == 0 {
		q.logger.WithField(logging.FieldJobID, jobID).Debug("Job already enqueued")
	}

	return q.Get(ctx, jobID)
}

// Get loads the entry for jobID. It returns nil, nil when the entry does not exist.
func (q *Queue) Get(ctx context.Context, jobID string) (*Handle, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	h := handleFromFields(q, fields)

	state, err := q.stateOf(ctx, jobID)
	if err != nil {
		return nil, err
	}
	h.State = state

	return h, nil
}

func (q *Queue) stateOf(ctx context.Context, jobID string) (State, error) {
	sets := []State{StateActive, StateWaiting, StateDelayed, StateCompleted, StateFailed}
	keys := map[State]string{
		StateActive:    q.key("active"),
		StateWaiting:   q.key("wait"),
		StateDelayed:   q.key("delayed"),
		StateCompleted: q.key("completed"),
		StateFailed:    q.key("failed"),
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(sets))
	for i, s := range sets {
		cmds[i] = pipe.ZScore(ctx, keys[s], jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return StateUnknown, fmt.Errorf("failed to resolve job state %s: %w", jobID, err)
	}

	for i, cmd := range cmds {
		if cmd.Err() == nil {
			return sets[i], nil
		}
	}
	return StateUnknown, nil
}

// Remove deletes an entry that is waiting or delayed. A missing entry is not
// an error. An executing entry yields ErrJobActive and a finished one
// ErrJobFinished; both are left untouched.
func (q *Queue) Remove(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	n, err := removeScript.Run(ctx, q.client,
		[]string{
			q.key("active"), q.key("wait"), q.key("delayed"),
			q.key("completed"), q.key("failed"), q.jobKey(h.ID),
		},
		h.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", h.ID, err)
	}
	switch n {
	case -1:
		return ErrJobActive
	case -2:
		return ErrJobFinished
	}
	return nil
}

// Counts returns the number of entries in every state
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("wait"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count queue %s: %w", q.name, err)
	}

	return &Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// UpdateProgress stores progress on an existing entry
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress interface{}) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := progressScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, string(data)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to update progress of job %s: %w", jobID, err)
	}
	return nil
}

// Clean deletes completed or failed entries finished before olderThan ago.
// Completed and failed entries are otherwise retained for inspection.
func (q *Queue) Clean(ctx context.Context, state State, olderThan time.Duration) (int, error) {
	var setKey string
	switch state {
	case StateCompleted:
		setKey = q.key("completed")
	case StateFailed:
		setKey = q.key("failed")
	default:
		return 0, fmt.Errorf("cannot clean state %s", state)
	}

	cutoff := q.now().Add(-olderThan).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.jobKey(id))
		pipe.ZRem(ctx, setKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}

	return len(ids), nil
}

// PromoteDelayed moves delayed entries whose time has come to the wait set
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("wait"), q.key("events")},
		q.now().UnixMilli(),
		q.jobKeyPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// CheckStalled fails every active entry whose lock expired and emits a stalled event for it
func (q *Queue) CheckStalled(ctx context.Context) ([]string, error) {
	ids, err := stalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("failed"), q.key("events")},
		q.now().UnixMilli(),
		q.jobKeyPrefix(),
		stalledReason,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to check stalled jobs: %w", err)
	}

	for _, id := range ids {
		q.logger.WithField(logging.FieldJobID, id).Warn("Job stalled, marked failed")
	}
	return ids, nil
}

// moveToActive pops the highest priority waiting entry and locks it
func (q *Queue) moveToActive(ctx context.Context) (*Handle, error) {
	now := q.now()
	id, err := moveToActiveScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("active"), q.key("events")},
		now.UnixMilli(),
		now.Add(q.lockDuration).UnixMilli(),
		q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move job to active: %w", err)
	}

	return q.Get(ctx, id)
}

// extendLock renews the lock of an active entry. It reports false once the entry left the active set.
func (q *Queue) extendLock(ctx context.Context, jobID string) (bool, error) {
	n, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.key("active")},
		jobID,
		q.now().Add(q.lockDuration).UnixMilli(),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *Queue) moveToCompleted(ctx context.Context, h *Handle, result interface{}) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to encode result: %w", err)
	}

	n, err := moveToCompletedScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("completed"), q.jobKey(h.ID), q.key("events")},
		h.ID,
		q.now().UnixMilli(),
		string(data),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to complete job %s: %w", h.ID, err)
	}
	return n == 1, nil
}

// moveToFailed records a failed attempt. The entry is rescheduled with backoff
// unless attempts are exhausted or the error is unrecoverable.
func (q *Queue) moveToFailed(ctx context.Context, h *Handle, jobErr error) (retrying bool, err error) {
	now := q.now()
	policy := retry.ExponentialPolicy(h.Attempts, h.Backoff)
	retryAt := now.Add(policy.Delay(h.AttemptsMade + 1))

	final := "0"
	if IsUnrecoverable(jobErr) {
		final = "1"
	}

	n, err := moveToFailedScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("failed"), q.key("delayed"), q.jobKey(h.ID), q.key("events")},
		h.ID,
		now.UnixMilli(),
		jobErr.Error(),
		fmt.Sprintf("%+v", jobErr),
		retryAt.UnixMilli(),
		errorName(jobErr),
		final,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", h.ID, err)
	}
	return n == 2, nil
}

// priorityScore orders the wait set: higher priority first, then FIFO
func priorityScore(priority int, at time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(maxPriority-priority)*1e13 + float64(at.UnixMilli())
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 0, 64)
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the entry fails immediately without further attempts
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

func errorName(err error) string {
	if catErr := apperrors.Categorize(err); catErr != nil && catErr.Code != apperrors.CodeInternalError {
		return catErr.Code
	}
	if IsUnrecoverable(err) {
		return "UnrecoverableError"
	}
	return "Error"
}
