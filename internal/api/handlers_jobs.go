package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/models"
	"github.com/seed-scraper/internal/storage"
	"github.com/seed-scraper/internal/types"
)

// JobList is a page of job records
type JobList struct {
	Jobs   []*models.ScrapeJob `json:"jobs"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// handleGetJob handles GET /api/jobs/{jobId}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := s.jobs.GetByJobID(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		respondServiceError(w, r, apperrors.NewNotFoundError("scrape job", jobID))
		return
	}
	if err != nil {
		respondServiceError(w, r, apperrors.NewDatabaseError("get job", err))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleListJobs handles GET /api/jobs?status=&sellerId=&mode=&limit=&offset=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter models.JobFilter
	if v := query.Get("status"); v != "" {
		status, err := types.ParseJobStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
			return
		}
		filter.Status = &status
	}
	if v := query.Get("mode"); v != "" {
		mode, err := types.ParseJobMode(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
			return
		}
		filter.Mode = &mode
	}
	if v := query.Get("sellerId"); v != "" {
		filter.SellerID = &v
	}

	page := models.Page{}
	if v, err := strconv.Atoi(query.Get("limit")); err == nil {
		page.Limit = v
	}
	if v, err := strconv.Atoi(query.Get("offset")); err == nil {
		page.Offset = v
	}
	page = page.Normalize()

	jobs, total, err := s.jobs.List(r.Context(), filter, page)
	if err != nil {
		respondServiceError(w, r, apperrors.NewDatabaseError("list jobs", err))
		return
	}
	if jobs == nil {
		jobs = []*models.ScrapeJob{}
	}

	respondJSON(w, http.StatusOK, JobList{
		Jobs:   jobs,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleCancelJob handles POST /api/jobs/{jobId}/cancel. A job that is
// executing cannot be cancelled and answers 409 with canStop false.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	var body struct {
		Reason   string `json:"reason"`
		SellerID string `json:"sellerId"`
	}
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.canceller.Cancel(r.Context(), jobID, body.SellerID, body.Reason)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if !result.Cancelled {
		respondJSON(w, http.StatusConflict, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
