package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/purpleteam/checking-engine/internal/store"
)

// handleGetDetectionExecution implements "GET /detection-executions/{id}"
// (spec §6 "read-only HTTP layer").
func (s *Server) handleGetDetectionExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, r, s.logger, MethodNotAllowed("only GET is supported"))

		return
	}

	idStr := r.PathValue("id")

	id, err := uuid.Parse(idStr)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("id must be a valid UUID"))

		return
	}

	row, err := s.store.GetDetectionExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "detection execution")

		return
	}

	s.writeJSON(w, r, http.StatusOK, newDetectionExecutionView(row))
}

// handleListDetectionExecutions implements
// "GET /detection-executions?operation_id=...&status=..." (spec §6).
func (s *Server) handleListDetectionExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, r, s.logger, MethodNotAllowed("only GET is supported"))

		return
	}

	operationID := r.URL.Query().Get("operation_id")
	if operationID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("operation_id query parameter is required"))

		return
	}

	var status *store.DetectionStatus

	if raw := r.URL.Query().Get("status"); raw != "" {
		s := store.DetectionStatus(raw)
		status = &s
	}

	rows, err := s.store.ListDetectionExecutionsByOperation(r.Context(), operationID, status)
	if err != nil {
		s.writeStoreError(w, r, err, "detection executions")

		return
	}

	views := make([]detectionExecutionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newDetectionExecutionView(row))
	}

	s.writeJSON(w, r, http.StatusOK, views)
}

// handleListDetectionResults implements
// "GET /detection-executions/{id}/results" (spec §6).
func (s *Server) handleListDetectionResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorResponse(w, r, s.logger, MethodNotAllowed("only GET is supported"))

		return
	}

	idStr := r.PathValue("id")

	id, err := uuid.Parse(idStr)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("id must be a valid UUID"))

		return
	}

	rows, err := s.store.ListDetectionResults(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "detection results")

		return
	}

	views := make([]detectionResultView, 0, len(rows))
	for _, row := range rows {
		views = append(views, newDetectionResultView(row))
	}

	s.writeJSON(w, r, http.StatusOK, views)
}

// handleHealth implements a liveness probe the read-only layer exposes
// alongside the query endpoints.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("store health check failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, noun string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(noun+" not found"))
	default:
		s.logger.Error("store query failed", slog.String("error", err.Error()), slog.String("noun", noun))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to read "+noun))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response body",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
	}
}
