package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/riffle/internal/config"
	"github.com/me/riffle/internal/report"
	"github.com/me/riffle/pkg/model"
)

// handleCreateRun accepts a YAML experiment manifest as the request
// body, validates it, and starts a run.
// POST /api/v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("reading request body: "+err.Error()))
		return
	}
	if len(raw) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("empty request body, expected a YAML manifest"))
		return
	}

	manifest, err := config.Parse(raw)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	run, err := s.runs.StartRun(manifest)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	s.logger.Info("run created", "run_id", run.ID, "label", run.Label, "assays", len(run.Assays))
	respondCreated(w, reqID, run)
}

// handleListRuns returns all runs, newest first.
// GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, runs)
}

// handleGetRun returns one run by id.
// GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

// handleGetReport returns a run's report entries in completion order,
// optionally filtered to one assay with ?assay=.
// GET /api/v1/runs/{id}/report
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	var entries []model.ReportEntry
	if assay := r.URL.Query().Get("assay"); assay != "" {
		entries, err = s.store.ListEntriesByAssay(r.Context(), id, assay)
	} else {
		entries, err = s.store.ListEntries(r.Context(), id)
	}
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, entries)
}

// handleGetSummary returns per-assay outcome summaries for a run.
// GET /api/v1/runs/{id}/summary
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	entries, err := s.store.ListEntries(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	summaries := make([]model.Summary, 0, len(run.Assays))
	for _, assayID := range run.Assays {
		summaries = append(summaries, report.Summarize(entries, assayID))
	}
	respondOK(w, reqID, summaries)
}

// handleAbortRun cancels a live run, or one assay of it when ?assay=
// is given.
// POST /api/v1/runs/{id}/abort
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	if run.State.IsTerminal() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("cannot abort run in state "+string(run.State)))
		return
	}

	assay := r.URL.Query().Get("assay")
	if assay != "" {
		err = s.runs.AbortAssay(id, assay)
	} else {
		err = s.runs.AbortRun(id)
	}
	if err != nil {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(err.Error()))
		return
	}

	s.logger.Info("abort requested", "run_id", id, "assay_id", assay)
	respondOK(w, reqID, map[string]any{
		"id":      id,
		"assay":   assay,
		"aborted": true,
	})
}
