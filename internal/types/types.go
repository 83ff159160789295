// Package types provides common type definitions for the seed scraper pipeline.
package types

import "fmt"

// JobStatus represents the lifecycle status of a scrape job record
type JobStatus string

const (
	// StatusCreated is written by the orchestrator before the queue acknowledges the enqueue
	StatusCreated JobStatus = "created"
	// StatusWaiting means the queue holds the entry and it is ready to be picked up
	StatusWaiting JobStatus = "waiting"
	// StatusDelayed means the queue holds the entry until a delay or retry backoff expires
	StatusDelayed JobStatus = "delayed"
	// StatusActive means a worker is executing the job
	StatusActive JobStatus = "active"
	// StatusCompleted is terminal: the worker returned a result
	StatusCompleted JobStatus = "completed"
	// StatusFailed is terminal: retries exhausted, stalled, or queue error
	StatusFailed JobStatus = "failed"
	// StatusCancelled is terminal: stopped by an administrator
	StatusCancelled JobStatus = "cancelled"
)

// NonTerminalStatuses lists every status from which a job can still move.
var NonTerminalStatuses = []JobStatus{StatusCreated, StatusWaiting, StatusDelayed, StatusActive}

// TerminalStatuses lists the statuses that accept no further writes.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// validTransitions maps a status to the statuses it may move to.
var validTransitions = map[JobStatus][]JobStatus{
	StatusCreated: {StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaiting: {StatusDelayed, StatusActive, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDelayed: {StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusCancelled},
	StatusActive: {
		StatusDelayed, // attempt failed, retry scheduled with backoff
		StatusCompleted,
		StatusFailed,
		StatusCancelled, // force stop only
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsValid reports whether s is one of the known statuses
func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s accepts no further writes
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a record in status from may be moved to status to.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses from which a record may move to target.
// It is the "from" set of a conditional write and never contains a terminal status.
func SourcesFor(target JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range NonTerminalStatuses {
		if CanTransition(s, target) {
			from = append(from, s)
		}
	}
	return from
}

// ParseJobStatus parses a status string
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown job status: %q", s)
	}
	return status, nil
}

// JobMode determines page-range and crawl-depth policy of a scrape job
type JobMode string

const (
	// ModeManual is an administrator's on-demand scrape
	ModeManual JobMode = "manual"
	// ModeBatch scrapes an explicit page range
	ModeBatch JobMode = "batch"
	// ModeAuto is scheduled by the interval cadence
	ModeAuto JobMode = "auto"
	// ModeTest scrapes a single page to validate a source
	ModeTest JobMode = "test"
)

// Dispatch priorities. Higher values are pulled first.
const (
	PriorityManual = 10
	PriorityBatch  = 5
	PriorityAuto   = 1
)

// IsValid reports whether m is a known mode
func (m JobMode) IsValid() bool {
	switch m {
	case ModeManual, ModeBatch, ModeAuto, ModeTest:
		return true
	}
	return false
}

// Priority returns the queue dispatch priority for jobs of this mode.
// On-demand scrapes outrank the auto backlog so they are not starved.
func (m JobMode) Priority() int {
	switch m {
	case ModeManual, ModeTest:
		return PriorityManual
	case ModeBatch:
		return PriorityBatch
	default:
		return PriorityAuto
	}
}

// ParseJobMode parses a mode string
func ParseJobMode(s string) (JobMode, error) {
	mode := JobMode(s)
	if !mode.IsValid() {
		return "", fmt.Errorf("unknown job mode: %q", s)
	}
	return mode, nil
}

// Stage identifies one queue-backed unit of the pipeline
type Stage string

const (
	// StageScrape scrapes a seller site (stage A)
	StageScrape Stage = "scrape"
	// StageDetect compares scraped prices with the last known ones (stage B)
	StageDetect Stage = "detect"
	// StageAlert sends one price-drop email (stage C)
	StageAlert Stage = "alert"
)

// OutcomeStatus is the per-seller result of a scheduling attempt
type OutcomeStatus string

const (
	OutcomeScheduled OutcomeStatus = "scheduled"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeStopped   OutcomeStatus = "stopped"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
