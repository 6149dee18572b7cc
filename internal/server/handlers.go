package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/automation"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// handleHealth handles health check requests. Each database gets a quick
// connectivity check; any failure degrades the overall status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	databases := map[string]interface{}{}
	for _, db := range s.dbs {
		if err := db.QuickCheck(ctx); err != nil {
			databases[db.Name()] = err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		databases[db.Name()] = "ok"
	}

	s.writeJSON(w, httpStatus, map[string]interface{}{
		"status":    status,
		"service":   "coin-queue-engine",
		"databases": databases,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, automation.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrStaleTransition):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// handleListCommands handles GET /api/commands
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Registry().Definitions()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"commands": defs})
}

// EnqueueRequest is the body of POST /api/commands/{commandID}/enqueue.
type EnqueueRequest struct {
	Input       map[string]interface{} `json:"input,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

// handleEnqueue handles POST /api/commands/{commandID}/enqueue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	opts := queue.EnqueueOptions{
		Priority:   queue.ParsePriority(req.Priority),
		MaxRetries: req.MaxRetries,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = *req.ScheduledAt
	}

	item, err := s.engine.Enqueue(commandID, req.Input, opts)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownCommand) {
			s.writeError(w, err)
			return
		}
		// Validation errors surface as 400 too.
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusCreated, item)
}

// handleListItems handles GET /api/queue?status=&limit=
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := s.engine.Store().List(status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handleGetItem handles GET /api/queue/{itemID}
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.engine.Store().Get(chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

// handleCancel handles POST /api/queue/{itemID}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	if err := s.engine.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": true})
}

// RetryRequest is the body of POST /api/queue/{itemID}/retry.
type RetryRequest struct {
	ResetRetries bool `json:"reset_retries,omitempty"`
}

// handleRetry handles POST /api/queue/{itemID}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")

	var req RetryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.engine.Retry(id, req.ResetRetries); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "requeued": true})
}

// handlePause handles POST /api/queue/{itemID}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	if err := s.engine.Pause(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "paused": true})
}

// handleResume handles POST /api/queue/{itemID}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	if err := s.engine.Resume(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "paused": false})
}

// BulkRequest is the body of POST /api/bulk.
type BulkRequest struct {
	Operation   string                 `json:"operation"`
	TargetTable string                 `json:"target_table"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

// handleStartBulk handles POST /api/bulk
func (s *Server) handleStartBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.engine.EnqueueBulk(
		queue.BulkOperation(req.Operation), req.TargetTable, req.Input,
		queue.EnqueueOptions{
			Priority:   queue.ParsePriority(req.Priority),
			MaxRetries: req.MaxRetries,
		},
	)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	s.writeJSON(w, http.StatusCreated, item)
}

// handleBulkProgress handles GET /api/bulk/{itemID}/progress
func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.monitor.OperationProgress(chi.URLParam(r, "itemID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}
