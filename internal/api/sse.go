package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/lakeflow/internal/streaming"
	"github.com/rendis/lakeflow/pkg/schema"
)

// handleRunStream replays a run's history and then streams new events via
// Server-Sent Events until the run ends or the client leaves.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	// Subscribe before reading history so nothing falls in between.
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
	if err != nil {
		s.logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	last := int64(queryInt(r, "since", 0))
	history, err := s.runs.Events(ctx, runID, last)
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for _, e := range history {
		ev := streaming.FromEvent(e)
		if writeSSE(w, ev) != nil {
			return
		}
		last = ev.Sequence
		if isOutcome(ev.EventType) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			last = ev.Sequence
			flusher.Flush()
			if isOutcome(ev.EventType) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.EventType, data)
	return err
}

func isOutcome(eventType string) bool {
	switch eventType {
	case schema.EventRunSucceeded, schema.EventRunFailed, schema.EventRunTimedOut, schema.EventRunCancelled:
		return true
	}
	return false
}
