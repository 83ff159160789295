package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/logging"
	"github.com/seed-scraper/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps a categorized error to its status and envelope.
// Internal causes are logged, never returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	cat := apperrors.Categorize(err)
	status := cat.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	message := cat.Message
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", cat.Code).Error("Request failed")
		if cat.Code == apperrors.CodeInternalError {
			message = "An internal error occurred"
		}
	}
	respondError(w, status, cat.Code, message, cat.Details)
}

// parseJSONBody parses an optional JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)
