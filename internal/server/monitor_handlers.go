package server

import (
	"net/http"
	"strconv"
	"time"
)

// handleOverview handles GET /api/monitor/overview
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.monitor.Overview()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

// handleRecentExecutions handles GET /api/monitor/recent?limit=
func (s *Server) handleRecentExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := s.monitor.RecentExecutions(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"executions": items})
}

// handleExecutionStats handles GET /api/monitor/stats?window=
func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "Invalid window duration", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	stats, err := s.monitor.ExecutionStats(window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleSystemStatus handles GET /api/monitor/system
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.monitor.SystemStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleListArtifacts handles GET /api/archive/artifacts
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.archive.ListArtifacts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

// handleRotateArtifacts handles POST /api/archive/rotate
func (s *Server) handleRotateArtifacts(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.archive.Rotate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}
