package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/lakeflow/internal/diagram"
	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

// StartRunRequest is the body of POST /api/v1/runs.
type StartRunRequest struct {
	Params map[string]any `json:"params"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	runID, err := s.runs.StartRun(r.Context(), req.Params, engine.TriggerAPI)
	if err != nil {
		if runID != "" {
			// Created but not queued; RecoverRunning drives it on the next start.
			respondJSON(w, httpStatusFor(err), map[string]any{
				"run_id": runID,
				"error":  err.Error(),
			})
			return
		}
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": schema.RunStatusRunning,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Trigger: q.Get("trigger"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if status := q.Get("status"); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q: want RFC3339", since))
			return
		}
		filter.Since = &t
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	reports := make([]*engine.StatusReport, 0, len(runs))
	for _, run := range runs {
		reports = append(reports, engine.NewStatusReport(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": reports})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, engine.NewStatusReport(run))
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ResumeAsync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	code := http.StatusAccepted
	if run.Status.IsTerminal() {
		code = http.StatusOK
	}
	respondJSON(w, code, map[string]any{
		"run_id":        run.ID,
		"resumed":       !run.Status.IsTerminal(),
		"status":        run.Status,
		"current_state": run.State,
	})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	events, err := s.runs.Events(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDiagram renders the graph; under /runs/{id} it overlays that run.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "ascii"
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		respondError(w, http.StatusBadRequest, "format must be ascii, mermaid, or image")
		return
	}

	var run *store.RunRecord
	var replay *store.Replay
	if id := chi.URLParam(r, "id"); id != "" {
		rec, err := s.runs.GetRun(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		run = rec
		if rp, err := s.runs.Replay(r.Context(), id); err == nil {
			replay = rp
		}
	}
	model := diagram.Build(s.runs.Pipeline(), run, replay)

	switch format {
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, diagram.RenderASCII(model))
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, diagram.RenderMermaid(model))
	default:
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Sprintf("image render failed: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
