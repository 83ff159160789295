package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seed-scraper/internal/logging"
)

// EventType names a queue lifecycle event
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventDelayed   EventType = "delayed"
	EventActive    EventType = "active"
	EventRetrying  EventType = "retrying"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventError     EventType = "error"
)

const (
	defaultPendingInterval = 30 * time.Second
	defaultClaimIdle       = time.Minute
	claimBatch             = 100
)

// Event is one entry of the queue event stream
type Event struct {
	StreamID     string
	Type         EventType
	Queue        string
	JobID        string
	Payload      json.RawMessage
	Result       json.RawMessage
	Error        string
	ErrorName    string
	Stack        string
	AttemptsMade int
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	RetryAt      *time.Time
	Timestamp    time.Time
}

// Decode unmarshals the entry payload carried by the event
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("event carries no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// DecodeResult unmarshals the processor result carried by a completed event
func (e Event) DecodeResult(v interface{}) error {
	if len(e.Result) == 0 {
		return errors.New("event carries no result")
	}
	return json.Unmarshal(e.Result, v)
}

// EventHandler handles one event; returning an error leaves it pending for redelivery
type EventHandler func(ctx context.Context, ev Event) error

// EnsureGroup creates the consumer group for the event stream if it does not exist
func (q *Queue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.key("events"), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// ReadEvents reads up to count events for consumer. With pending set it returns
// events delivered earlier but never acknowledged. A negative block does not wait.
func (q *Queue) ReadEvents(ctx context.Context, group, consumer string, count int64, block time.Duration, pending bool) ([]Event, error) {
	start := ">"
	if pending {
		start = "0"
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.key("events"), start},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	var events []Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, q.parseEvent(msg))
		}
	}
	return events, nil
}

// AckEvents acknowledges processed events
func (q *Queue) AckEvents(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.key("events"), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack events: %w", err)
	}
	return nil
}

// TrimEvents caps the event stream at roughly maxLen entries
func (q *Queue) TrimEvents(ctx context.Context, maxLen int64) error {
	return q.client.XTrimMaxLenApprox(ctx, q.key("events"), maxLen, 0).Err()
}

// ClaimEvents takes over events that another consumer of group read but has
// not acknowledged for at least minIdle, typically one from a process that is gone.
func (q *Queue) ClaimEvents(ctx context.Context, group, consumer string, minIdle time.Duration) ([]Event, error) {
	var events []Event
	cursor := "0-0"
	for {
		msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.key("events"),
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    cursor,
			Count:    claimBatch,
		}).Result()
		if err != nil {
			return events, fmt.Errorf("failed to claim events: %w", err)
		}
		for _, msg := range msgs {
			events = append(events, q.parseEvent(msg))
		}
		if next == "" || next == "0-0" {
			return events, nil
		}
		cursor = next
	}
}

// Subscribe delivers events to handler until ctx is done. Events left pending
// by an earlier run are delivered first, and events abandoned by other
// consumers are claimed, so events are never lost across restarts.
func (q *Queue) Subscribe(ctx context.Context, group, consumer string, handler EventHandler) error {
	if err := q.EnsureGroup(ctx, group); err != nil {
		return err
	}

	logger := q.logger.WithFields(map[string]interface{}{
		"group":    group,
		"consumer": consumer,
	})
	logger.Info("Subscribed to queue events")

	q.redeliver(ctx, group, consumer, handler, logger)
	lastPending := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastPending) >= q.pendingEvery {
			q.redeliver(ctx, group, consumer, handler, logger)
			lastPending = time.Now()
		}

		events, err := q.ReadEvents(ctx, group, consumer, 50, q.eventBlock, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.emitError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		q.dispatch(ctx, group, events, handler, logger)
	}
}

// redeliver retries the consumer's own pending events, then claims idle ones
// from other consumers. Events that fail again stay pending.
func (q *Queue) redeliver(ctx context.Context, group, consumer string, handler EventHandler, logger *logging.Logger) {
	if err := q.drainPending(ctx, group, consumer, handler, logger); err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Failed to redeliver pending events")
	}

	claimed, err := q.ClaimEvents(ctx, group, consumer, q.claimIdle)
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Failed to claim abandoned events")
	}
	if len(claimed) > 0 {
		logger.WithField("count", len(claimed)).Info("Claimed abandoned events")
	}
	q.dispatch(ctx, group, claimed, handler, logger)
}

func (q *Queue) drainPending(ctx context.Context, group, consumer string, handler EventHandler, logger *logging.Logger) error {
	events, err := q.ReadEvents(ctx, group, consumer, 1000, -1, true)
	if err != nil {
		return err
	}
	q.dispatch(ctx, group, events, handler, logger)
	return nil
}

func (q *Queue) dispatch(ctx context.Context, group string, events []Event, handler EventHandler, logger *logging.Logger) {
	for _, ev := range events {
		if err := handler(ctx, ev); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				logging.FieldJobID: ev.JobID,
				"event":            string(ev.Type),
			}).Warn("Event handler failed, leaving event pending")
			continue
		}
		if err := q.AckEvents(ctx, group, ev.StreamID); err != nil {
			logger.WithError(err).Warn("Failed to ack event")
		}
	}
}

func (q *Queue) parseEvent(msg redis.XMessage) Event {
	get := func(k string) string {
		if v, ok := msg.Values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}

	ev := Event{
		StreamID:     msg.ID,
		Type:         EventType(get("event")),
		Queue:        q.name,
		JobID:        get("jobId"),
		Payload:      rawJSON(get("data")),
		Result:       rawJSON(get("result")),
		Error:        get("error"),
		ErrorName:    get("errorName"),
		Stack:        get("stack"),
		AttemptsMade: atoi(get("attemptsMade")),
		ProcessedOn:  millis(get("processedOn")),
		FinishedOn:   millis(get("finishedOn")),
		RetryAt:      millis(get("retryAt")),
	}
	if ts := millis(get("ts")); ts != nil {
		ev.Timestamp = *ts
	}
	return ev
}
