package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/lakeflow/internal/store"
)

// CreateTriggerRequest is the body of POST /api/v1/triggers.
type CreateTriggerRequest struct {
	Cron   string         `json:"cron"`
	Params map[string]any `json:"params"`
}

// UpdateTriggerRequest is the body of PUT /api/v1/triggers/{id}.
type UpdateTriggerRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	filter := store.TriggerFilter{Limit: queryInt(r, "limit", 50)}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid enabled %q", v))
			return
		}
		filter.Enabled = &enabled
	}

	triggers, err := s.triggers.ListTriggers(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req CreateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Cron == "" {
		respondError(w, http.StatusBadRequest, "cron is required")
		return
	}

	t, err := s.triggers.AddTrigger(r.Context(), req.Cron, req.Params)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var req UpdateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.triggers.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
}
