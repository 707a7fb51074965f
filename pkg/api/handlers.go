package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/orchestrator"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodyBytes = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return false
	}

	return true
}

// writeError maps orchestrator and store errors onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, orchestrator.ErrStaleJob):
		writeJSON(w, http.StatusConflict, errorResponse{"stale job"})
	case errors.Is(err, orchestrator.ErrRunFinished):
		writeJSON(w, http.StatusConflict, errorResponse{"run finished"})
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{"invalid transition"})
	default:
		s.log.WithError(err).Error(msg)
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Assignments ---

type upsertAssignmentRequest struct {
	Name     string     `json:"name"`
	Deadline *time.Time `json:"deadline"`
}

func (s *server) handleUpsertAssignment(
	w http.ResponseWriter, r *http.Request,
) {
	var req upsertAssignmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	assignment := &store.Assignment{
		ID:   chi.URLParam(r, "id"),
		Name: req.Name,
	}

	if req.Deadline != nil {
		utc := req.Deadline.UTC()
		assignment.Deadline = &utc
	}

	if err := s.store.UpsertAssignment(r.Context(), assignment); err != nil {
		s.writeError(w, err, "Failed to upsert assignment")

		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

// --- Runs ---

type createRunRequest struct {
	ID             string     `json:"id"`
	AssignmentID   string     `json:"assignment_id"`
	KillDeadline   *time.Time `json:"kill_deadline"`
	HasHiddenSteps bool       `json:"has_hidden_steps"`
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	run := &store.Run{
		ID:             req.ID,
		AssignmentID:   req.AssignmentID,
		KillDeadline:   req.KillDeadline,
		HasHiddenSteps: req.HasHiddenSteps,
	}

	if err := s.orch.CreateRun(r.Context(), run); err != nil {
		s.writeError(w, err, "Failed to create run")

		return
	}

	writeJSON(w, http.StatusCreated, run)
}

type runResponse struct {
	Run     *store.Run                  `json:"run"`
	Results []store.Result              `json:"results"`
	Runners []store.Runner              `json:"runners"`
	Counts  map[store.ResultState]int64 `json:"counts"`
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		s.writeError(w, err, "Failed to get run")

		return
	}

	results, err := s.store.ListResults(ctx, id)
	if err != nil {
		s.writeError(w, err, "Failed to list results")

		return
	}

	runners, err := s.store.ListRunners(ctx, id)
	if err != nil {
		s.writeError(w, err, "Failed to list runners")

		return
	}

	counts, err := s.store.CountResultsByState(ctx, id)
	if err != nil {
		s.writeError(w, err, "Failed to count results")

		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Run:     run,
		Results: results,
		Runners: runners,
		Counts:  counts,
	})
}

type addSubmissionRequest struct {
	SubmissionID string `json:"submission_id"`
}

func (s *server) handleAddSubmission(
	w http.ResponseWriter, r *http.Request,
) {
	var req addSubmissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.SubmissionID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"submission_id is required"})

		return
	}

	result, err := s.orch.AddSubmission(
		r.Context(), chi.URLParam(r, "id"), req.SubmissionID,
	)
	if err != nil {
		s.writeError(w, err, "Failed to add submission")

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// --- Runners ---

type registerRunnerRequest struct {
	Address string `json:"address"`
	JobID   string `json:"job_id"`
}

func (s *server) handleRegisterRunner(
	w http.ResponseWriter, r *http.Request,
) {
	var req registerRunnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Address == "" || req.JobID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"address and job_id are required"})

		return
	}

	runner, err := s.orch.RegisterRunner(
		r.Context(), chi.URLParam(r, "id"), req.Address, req.JobID,
	)
	if err != nil {
		s.writeError(w, err, "Failed to register runner")

		return
	}

	writeJSON(w, http.StatusCreated, runner)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.orch.RecordHeartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to record heartbeat")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type recordResultRequest struct {
	State store.ResultState `json:"state"`
}

func (s *server) handleRecordResult(
	w http.ResponseWriter, r *http.Request,
) {
	var req recordResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.orch.RecordResult(
		r.Context(),
		chi.URLParam(r, "id"),
		chi.URLParam(r, "resultID"),
		req.State,
	)
	if err != nil {
		s.writeError(w, err, "Failed to record result")

		return
	}

	writeJSON(w, http.StatusOK, result)
}
