package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/tweag/chainsail/app/jobspec"
	"github.com/tweag/chainsail/app/web/persistence"
)

// APIHistoryResponse is the JSON response for /api/v1/history
type APIHistoryResponse struct {
	Records   []APIRecord `json:"records"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIRecord represents a recorded proxy call in JSON API response
type APIRecord struct {
	ID         int64     `json:"id"`
	Time       time.Time `json:"time"`
	Route      string    `json:"route"`
	Action     string    `json:"action"`
	JobID      string    `json:"job_id,omitempty"`
	User       string    `json:"user,omitempty"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// toAPIRecord converts persistence.Record to APIRecord
func toAPIRecord(rec persistence.Record) APIRecord {
	return APIRecord{
		ID:         rec.ID,
		Time:       rec.CreatedAt,
		Route:      rec.Route,
		Action:     rec.Action.String(),
		JobID:      rec.JobID,
		User:       rec.User,
		StatusCode: rec.StatusCode,
		DurationMs: rec.Duration.Milliseconds(),
		Error:      rec.Error,
	}
}

// handleHistory returns recent proxied calls, newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}

	records, err := s.store.List(limit)
	if err != nil {
		log.Printf("[ERROR] failed to list history: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, toHistoryResponse(records))
}

// handleJobHistory returns proxied calls of a single job
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}
	jobID := r.PathValue("jobId")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}

	records, err := s.store.ListByJob(jobID, limit)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "no history for job")
			return
		}
		log.Printf("[ERROR] failed to list history of job %s: %v", jobID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	s.writeJSON(w, http.StatusOK, toHistoryResponse(records))
}

// limitParam parses optional limit query parameter, writes error response if invalid
func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}

func toHistoryResponse(records []persistence.Record) APIHistoryResponse {
	resp := APIHistoryResponse{Records: make([]APIRecord, 0, len(records)), Timestamp: time.Now()}
	for _, rec := range records {
		resp.Records = append(resp.Records, toAPIRecord(rec))
	}
	return resp
}

// handleJobSchema returns json schema of the job spec form
func (s *Server) handleJobSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, jobspec.Schema())
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
