package api

import (
	"net/http"

	"github.com/gorilla/mux"
	apperrors "github.com/seed-scraper/internal/errors"
	"github.com/seed-scraper/internal/pipeline"
	"github.com/seed-scraper/internal/scheduler"
	"github.com/seed-scraper/internal/types"
)

// scheduleBody is the body of the scheduling endpoints. Page fields are only
// accepted for the modes that use them.
type scheduleBody struct {
	Mode          string `json:"mode"`
	SourceID      string `json:"sourceId"`
	StartPage     *int   `json:"startPage"`
	EndPage       *int   `json:"endPage"`
	MaxPages      *int   `json:"maxPages"`
	FullSiteCrawl *bool  `json:"fullSiteCrawl"`
}

func (b scheduleBody) request(defaultMode types.JobMode) (scheduler.Request, error) {
	mode := defaultMode
	if b.Mode != "" {
		parsed, err := types.ParseJobMode(b.Mode)
		if err != nil {
			return scheduler.Request{}, apperrors.NewInvalidParameterError("mode", err.Error())
		}
		mode = parsed
	}

	cfg, err := pipeline.NewModeConfig(mode, pipeline.ModeFields{
		StartPage:     b.StartPage,
		EndPage:       b.EndPage,
		MaxPages:      b.MaxPages,
		FullSiteCrawl: b.FullSiteCrawl,
	})
	if err != nil {
		return scheduler.Request{}, err
	}
	return scheduler.Request{Config: cfg, SourceID: b.SourceID}, nil
}

func parseScheduleRequest(w http.ResponseWriter, r *http.Request, defaultMode types.JobMode) (scheduler.Request, bool) {
	var body scheduleBody
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return scheduler.Request{}, false
	}
	req, err := body.request(defaultMode)
	if err != nil {
		respondServiceError(w, r, err)
		return scheduler.Request{}, false
	}
	return req, true
}

// handleScheduleSeller handles POST /api/sellers/{sellerId}/scrape
func (s *Server) handleScheduleSeller(w http.ResponseWriter, r *http.Request) {
	sellerID := mux.Vars(r)["sellerId"]

	req, ok := parseScheduleRequest(w, r, types.ModeManual)
	if !ok {
		return
	}

	out, err := s.scheduler.ScheduleOne(r.Context(), sellerID, req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, outcomeStatusCode(out), out)
}

// outcomeStatusCode maps a scheduling outcome to a response status. A failed
// outcome uses the status of its categorized cause.
func outcomeStatusCode(out *scheduler.Outcome) int {
	switch out.Status {
	case types.OutcomeScheduled:
		return http.StatusAccepted
	case types.OutcomeSkipped:
		return http.StatusOK
	}
	if out.Err != nil {
		return apperrors.GetHTTPStatusCode(out.Err)
	}
	return http.StatusInternalServerError
}

// handleStartAll handles POST /api/scrapers/start-all
func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	req, ok := parseScheduleRequest(w, r, types.ModeManual)
	if !ok {
		return
	}

	result, err := s.bulk.StartAll(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleStopAll handles POST /api/scrapers/stop-all
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.bulk.StopAll(r.Context(), body.Reason)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleScrapersHealth handles GET /api/scrapers/health
func (s *Server) handleScrapersHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.bulk.Health(r.Context(), s.queues...)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}
