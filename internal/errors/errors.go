// Package errors categorizes pipeline errors so administrators see structured
// per-seller and per-job outcomes instead of bare failures.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/seed-scraper/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryEligibility covers sellers that cannot be scheduled (checked before any mutation)
	CategoryEligibility ErrorCategory = "eligibility"
	// CategoryQueue covers an unreachable queue or failed enqueue
	CategoryQueue ErrorCategory = "queue"
	// CategoryExecution covers a scrape or save that returned an error
	CategoryExecution ErrorCategory = "execution"
	// CategoryStalled covers a worker that died or lost its lock
	CategoryStalled ErrorCategory = "stalled"
	// CategoryConflict covers refused cancellations of running jobs
	CategoryConflict ErrorCategory = "conflict"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryValidation represents invalid input
	CategoryValidation ErrorCategory = "validation"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents anything else
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeSellerInactive        = "SELLER_INACTIVE"
	CodeNoScrapeSources       = "NO_SCRAPE_SOURCES"
	CodeScraperNotImplemented = "SCRAPER_NOT_IMPLEMENTED"
	CodeQueueUnavailable      = "QUEUE_UNAVAILABLE"
	CodeScrapeFailed          = "SCRAPE_FAILED"
	CodeJobStalled            = "JOB_STALLED"
	CodeJobExecuting          = "JOB_EXECUTING"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidParameter      = "INVALID_PARAMETER"
	CodeDatabaseError         = "DATABASE_ERROR"
	CodeInternalError         = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Eligibility errors

// NewSellerInactiveError reports a seller whose activation flag is off
func NewSellerInactiveError(sellerID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeSellerInactive,
		Message:    "seller is inactive",
		Details:    map[string]interface{}{"sellerId": sellerID},
	}
}

// NewNoScrapeSourcesError reports a seller without configured scrape sources
func NewNoScrapeSourcesError(sellerID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNoScrapeSources,
		Message:    "seller has no scrape sources configured",
		Details:    map[string]interface{}{"sellerId": sellerID},
	}
}

// NewScraperNotImplementedError reports a source with no registered scraper
func NewScraperNotImplementedError(source string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeScraperNotImplemented,
		Message:    fmt.Sprintf("no scraper implemented for source %q", source),
		Details:    map[string]interface{}{"source": source},
	}
}

// Infrastructure and execution errors

// NewQueueUnavailableError wraps a failed queue operation
func NewQueueUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeQueueUnavailable,
		Message:    fmt.Sprintf("queue unavailable during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewScrapeFailedError wraps an error returned while executing a scrape
func NewScrapeFailedError(step string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExecution,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeScrapeFailed,
		Message:    fmt.Sprintf("scrape failed during %s", step),
		Cause:      cause,
		Details:    map[string]interface{}{"step": step},
	}
}

// NewJobStalledError describes a job whose worker lock expired
func NewJobStalledError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStalled,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeJobStalled,
		Message:    "job stalled: worker lock expired without heartbeat",
		Details:    map[string]interface{}{"jobId": jobID},
	}
}

// NewJobExecutingError reports a cancellation refused because the job is running
func NewJobExecutingError(jobID string, elapsedMs int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeJobExecuting,
		Message:    "job is executing and cannot be interrupted; wait for it to finish",
		Details: map[string]interface{}{
			"jobId":     jobID,
			"elapsedMs": elapsedMs,
			"canStop":   false,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are found with errors.As.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err is a categorized error with the given code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryQueue, CategoryDatabase, CategoryExecution, CategoryStalled:
		return true
	default:
		return false
	}
}

// IsEligibility reports whether err was raised before any job or queue mutation
func IsEligibility(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryEligibility
}
