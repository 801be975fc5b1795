package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/riffle/pkg/model"
)

// sseRunEvent is the payload streamed for a run: its current record,
// how many report entries have landed so far, and the entries appended
// since the previous event.
type sseRunEvent struct {
	Run        *model.Run          `json:"run"`
	Entries    int                 `json:"entries"`
	NewEntries []model.ReportEntry `json:"new_entries,omitempty"`
}

// handleSSERun streams run updates via Server-Sent Events until the
// run reaches a terminal state or the client disconnects.
// GET /api/v1/sse/runs/{id}
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	snapshot := func(since int) (*sseRunEvent, error) {
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil || run == nil {
			return nil, err
		}
		entries, err := s.store.ListEntries(r.Context(), id)
		if err != nil {
			return nil, err
		}
		ev := &sseRunEvent{Run: run, Entries: len(entries)}
		if since >= 0 && since < len(entries) {
			ev.NewEntries = entries[since:]
		}
		return ev, nil
	}

	ev, err := snapshot(0)
	if err != nil || ev == nil {
		s.logger.Error("sse snapshot error", "run_id", id, "error", err)
		return
	}
	if err := sendSSEEvent(w, flusher, "init", ev); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}

	// Already finished: one terminal event and done.
	if ev.Run.State.IsTerminal() {
		_ = sendSSEEvent(w, flusher, "complete", ev)
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastState := ev.Run.State
	lastEntries := ev.Entries

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			ev, err := snapshot(lastEntries)
			if err != nil {
				s.logger.Error("sse snapshot error", "run_id", id, "error", err)
				continue
			}
			if ev == nil {
				return
			}

			if ev.Run.State != lastState || ev.Entries != lastEntries {
				if err := sendSSEEvent(w, flusher, "update", ev); err != nil {
					s.logger.Debug("sse client disconnected", "run_id", id)
					return
				}
				lastState = ev.Run.State
				lastEntries = ev.Entries
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if ev.Run.State.IsTerminal() {
				_ = sendSSEEvent(w, flusher, "complete", ev)
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
