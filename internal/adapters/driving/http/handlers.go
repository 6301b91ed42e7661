package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the build version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// BatchRequest is the body of POST /api/v1/batches and /api/v1/work-items
type BatchRequest struct {
	Items []domain.WorkItemMessage `json:"items"`
}

// SubmitResponse lists the queued delivery IDs in request order
type SubmitResponse struct {
	DeliveryIDs []string `json:"deliveryIds"`
}

// ReadyResponse reports each dependency check
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the liveness status of the service
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Pings every registered dependency and reports each check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse  "A dependency check failed"
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(s.checks))}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// handleVersion godoc
// @Summary      Get build version
// @Description  Returns the running build version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

// Pipeline endpoints

// handleProcessBatch godoc
// @Summary      Process a batch
// @Description  Runs the matching pipeline synchronously over the batch. The HTTP status mirrors BatchResult.StatusCode.
// @Tags         Pipeline
// @Accept       json
// @Produce      json
// @Param        request  body      BatchRequest  true  "Work items to process"
// @Success      200      {object}  domain.BatchResult
// @Success      207      {object}  domain.BatchResult  "Some items failed"
// @Failure      400      {object}  ErrorResponse       "Invalid or malformed batch"
// @Failure      401      {object}  ErrorResponse       "Missing or invalid token"
// @Failure      403      {object}  ErrorResponse       "Token lacks the invoke scope"
// @Failure      413      {object}  ErrorResponse       "Request body too large"
// @Failure      500      {object}  ErrorResponse
// @Security     BearerAuth
// @Router       /api/v1/batches [post]
func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	result, err := s.processor.ProcessBatch(r.Context(), req.Items)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedBatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("batch invocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "batch processing failed")
		return
	}

	writeJSON(w, result.StatusCode, result)
}

// handleSubmitWorkItems godoc
// @Summary      Queue work items
// @Description  Validates and enqueues work items for the background workers
// @Tags         Pipeline
// @Accept       json
// @Produce      json
// @Param        request  body      BatchRequest  true  "Work items to queue"
// @Success      202      {object}  SubmitResponse
// @Failure      400      {object}  ErrorResponse  "Invalid or malformed batch"
// @Failure      401      {object}  ErrorResponse  "Missing or invalid token"
// @Failure      403      {object}  ErrorResponse  "Token lacks the submit scope"
// @Failure      413      {object}  ErrorResponse  "Request body too large"
// @Failure      503      {object}  ErrorResponse  "Queue unavailable"
// @Security     BearerAuth
// @Router       /api/v1/work-items [post]
func (s *Server) handleSubmitWorkItems(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	ids, err := s.intake.Submit(r.Context(), req.Items)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedBatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("work item submission failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue work items")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{DeliveryIDs: ids})
}

// handleQueueStats godoc
// @Summary      Queue statistics
// @Description  Returns pending, processing, scheduled and dead-lettered delivery counts
// @Tags         Pipeline
// @Produce      json
// @Success      200  {object}  driven.QueueStats
// @Failure      401  {object}  ErrorResponse  "Missing or invalid token"
// @Failure      403  {object}  ErrorResponse  "Token lacks the submit scope"
// @Failure      503  {object}  ErrorResponse  "Queue unavailable"
// @Security     BearerAuth
// @Router       /api/v1/queue/stats [get]
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	var stats *driven.QueueStats
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (*BatchRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return &req, true
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
