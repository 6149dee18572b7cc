package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/automation"
)

// handleListRules handles GET /api/rules?active=
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	rules, err := s.rules.List(activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// handleCreateRule handles POST /api/rules
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.rules.Create(&rule); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

// handleGetRule handles GET /api/rules/{ruleID}
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(chi.URLParam(r, "ruleID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule handles PUT /api/rules/{ruleID}
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")

	if err := s.rules.Update(&rule); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule handles DELETE /api/rules/{ruleID}
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	if err := s.rules.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

// handleActivateRule handles POST /api/rules/{ruleID}/activate
func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, chi.URLParam(r, "ruleID"), true)
}

// handleDeactivateRule handles POST /api/rules/{ruleID}/deactivate
func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, chi.URLParam(r, "ruleID"), false)
}

func (s *Server) toggleRule(w http.ResponseWriter, id string, active bool) {
	if err := s.rules.SetActive(id, active); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": active})
}
