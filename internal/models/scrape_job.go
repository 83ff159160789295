package models

import (
	"time"

	"github.com/seed-scraper/internal/types"
)

// ScrapeJob is the persisted system of record for one scrape job (one per seller run)
type ScrapeJob struct {
	ID              int64           `json:"id" db:"id"`
	JobID           string          `json:"jobId" db:"job_id"` // shared with the queue entry
	SellerID        string          `json:"sellerId" db:"seller_id"`
	Status          types.JobStatus `json:"status" db:"status"`
	Mode            types.JobMode   `json:"mode" db:"mode"`
	Source          string          `json:"source" db:"source"`
	CurrentPage     int             `json:"currentPage" db:"current_page"`
	TotalPages      int             `json:"totalPages" db:"total_pages"`
	ProductsScraped int             `json:"productsScraped" db:"products_scraped"`
	ProductsSaved   int             `json:"productsSaved" db:"products_saved"`
	ProductsUpdated int             `json:"productsUpdated" db:"products_updated"`
	Errors          int             `json:"errors" db:"errors"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	StartedAt       *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	DurationMs      *int64          `json:"duration,omitempty" db:"duration_ms"`
	ErrorMessage    *string         `json:"errorMessage,omitempty" db:"error_message"`
	ErrorDetails    *ErrorDetails   `json:"errorDetails,omitempty" db:"error_details"`
}

// ErrorDetails is the structured failure detail stored with FAILED and CANCELLED jobs
type ErrorDetails struct {
	Kind         string    `json:"kind"` // failed, stalled, queue, cancelled
	Name         string    `json:"name,omitempty"`
	Stack        string    `json:"stack,omitempty"`
	AttemptsMade int       `json:"attemptsMade,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Error detail kinds
const (
	ErrorKindFailed    = "failed"
	ErrorKindStalled   = "stalled"
	ErrorKindQueue     = "queue"
	ErrorKindCancelled = "cancelled"
	ErrorKindOrphaned  = "orphaned"
)

// JobProgress is a progress report from a running scrape.
// Counters only move forward; smaller values are ignored by the store.
type JobProgress struct {
	CurrentPage     int `json:"currentPage"`
	TotalPages      int `json:"totalPages"`
	ProductsScraped int `json:"productsScraped"`
	ProductsSaved   int `json:"productsSaved"`
	ProductsUpdated int `json:"productsUpdated"`
	Errors          int `json:"errors"`
}

// JobTransition is a conditional status write. Nil fields are left untouched.
// StartedAt is only written when the record has none, so retries keep the
// time of the first attempt.
type JobTransition struct {
	Status          types.JobStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMs      *int64
	TotalPages      *int
	ProductsScraped *int
	ProductsSaved   *int
	ProductsUpdated *int
	Errors          *int
	ErrorMessage    *string
	ErrorDetails    *ErrorDetails
}

// Apply copies the transition onto job. Used by in-memory stores; the
// Postgres store expresses the same rules in SQL.
func (t *JobTransition) Apply(job *ScrapeJob) {
	job.Status = t.Status
	if t.StartedAt != nil && job.StartedAt == nil {
		job.StartedAt = t.StartedAt
	}
	if t.CompletedAt != nil {
		job.CompletedAt = t.CompletedAt
	}
	if t.DurationMs != nil {
		job.DurationMs = t.DurationMs
	}
	if t.TotalPages != nil {
		job.TotalPages = *t.TotalPages
	}
	if t.ProductsScraped != nil {
		job.ProductsScraped = *t.ProductsScraped
	}
	if t.ProductsSaved != nil {
		job.ProductsSaved = *t.ProductsSaved
	}
	if t.ProductsUpdated != nil {
		job.ProductsUpdated = *t.ProductsUpdated
	}
	if t.Errors != nil {
		job.Errors = *t.Errors
	}
	if t.ErrorMessage != nil {
		job.ErrorMessage = t.ErrorMessage
	}
	if t.ErrorDetails != nil {
		job.ErrorDetails = t.ErrorDetails
	}
}

// JobFilter narrows a job listing
type JobFilter struct {
	Status   *types.JobStatus
	SellerID *string
	Mode     *types.JobMode
}

// Page is an offset/limit window
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
