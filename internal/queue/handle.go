package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Handle is a snapshot of one queue entry
type Handle struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"data"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	Backoff      time.Duration   `json:"-"`
	Delay        time.Duration   `json:"-"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ErrorName    string          `json:"errorName,omitempty"`
	Stacktrace   string          `json:"-"`
	Stalled      bool            `json:"stalled,omitempty"`
	Result       json.RawMessage `json:"returnvalue,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	State        State           `json:"state"`

	q *Queue
}

// IsExecuting reports whether a worker picked the entry up and has not finished it
func (h *Handle) IsExecuting() bool {
	return h.ProcessedOn != nil && h.FinishedOn == nil
}

// Finished reports whether the entry completed or failed for good
func (h *Handle) Finished() bool {
	return h.State == StateCompleted || h.State == StateFailed
}

// FinalEvent rebuilds the terminal event of a finished entry so a consumer
// that missed it can still apply it. It returns false for unfinished entries.
func (h *Handle) FinalEvent() (Event, bool) {
	if !h.Finished() {
		return Event{}, false
	}

	ev := Event{
		Type:         EventCompleted,
		Queue:        h.Queue,
		JobID:        h.ID,
		Payload:      h.Payload,
		Result:       h.Result,
		AttemptsMade: h.AttemptsMade,
		ProcessedOn:  h.ProcessedOn,
		FinishedOn:   h.FinishedOn,
	}
	if h.State == StateFailed {
		ev.Type = EventFailed
		ev.Result = nil
		ev.Error = h.FailedReason
		ev.ErrorName = h.ErrorName
		ev.Stack = h.Stacktrace
		if h.Stalled {
			ev.Type = EventStalled
		}
	}
	if h.FinishedOn != nil {
		ev.Timestamp = *h.FinishedOn
	}
	return ev, true
}

// Elapsed returns how long the current attempt has been running
func (h *Handle) Elapsed(now time.Time) time.Duration {
	if h.ProcessedOn == nil {
		return 0
	}
	end := now
	if h.FinishedOn != nil {
		end = *h.FinishedOn
	}
	return end.Sub(*h.ProcessedOn)
}

// Decode unmarshals the payload into v
func (h *Handle) Decode(v interface{}) error {
	return json.Unmarshal(h.Payload, v)
}

// UpdateProgress stores progress on the entry
func (h *Handle) UpdateProgress(ctx context.Context, progress interface{}) error {
	if h.q == nil {
		return nil
	}
	return h.q.UpdateProgress(ctx, h.ID, progress)
}

func handleFromFields(q *Queue, f map[string]string) *Handle {
	h := &Handle{
		ID:           f["id"],
		Queue:        q.name,
		Payload:      rawJSON(f["data"]),
		Priority:     atoi(f["priority"]),
		Attempts:     atoi(f["attempts"]),
		AttemptsMade: atoi(f["attemptsMade"]),
		Backoff:      time.Duration(atoi64(f["backoff"])) * time.Millisecond,
		Delay:        time.Duration(atoi64(f["delay"])) * time.Millisecond,
		FailedReason: f["failedReason"],
		ErrorName:    f["errorName"],
		Stacktrace:   f["stacktrace"],
		Stalled:      f["stalled"] == "1",
		Result:       rawJSON(f["returnvalue"]),
		Progress:     rawJSON(f["progress"]),
		q:            q,
	}
	if ts := millis(f["timestamp"]); ts != nil {
		h.CreatedAt = *ts
	}
	h.ProcessedOn = millis(f["processedOn"])
	h.FinishedOn = millis(f["finishedOn"])
	return h
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// millis parses a Unix millisecond timestamp; empty or invalid values yield nil
func millis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
