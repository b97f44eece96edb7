package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dkoutso/tickerd/internal/jobs"
)

const dateFormat = "2006-01-02"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "tickerd",
	})
}

// jobView is the API shape of one job: its configuration plus scheduling and
// last-execution state.
type jobView struct {
	jobs.JobConfiguration
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastExecution *jobs.Execution `json:"last_execution,omitempty"`
}

func (s *Server) jobView(ctx context.Context, cfg jobs.JobConfiguration) jobView {
	view := jobView{JobConfiguration: cfg}
	if next, ok := s.scheduler.NextRun(cfg.JobName); ok {
		view.NextRunAt = &next
	}
	if history, err := s.tracker.History(ctx, cfg.JobName, 1); err == nil && len(history) > 0 {
		view.LastExecution = &history[0]
	}
	return view
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configs.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]jobView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, s.jobView(r.Context(), cfg))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, err := s.configs.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.jobView(r.Context(), *cfg))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var patch jobs.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := s.configs.Update(r.Context(), name, patch)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	// Rebuild cron entries so the edit takes effect on the next fire.
	if err := s.scheduler.Reload(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Failed to reload schedules after update")
	}

	s.writeJSON(w, http.StatusOK, s.jobView(r.Context(), *cfg))
}

// triggerRequest is the optional body of a manual trigger. Dates constrain
// the scan range for scan jobs and are ignored by the rest.
type triggerRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var opts jobs.RunOptions
	if r.ContentLength > 0 {
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Start != "" {
			start, err := time.Parse(dateFormat, req.Start)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			opts.Start = &start
		}
		if req.End != "" {
			end, err := time.Parse(dateFormat, req.End)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
			opts.End = &end
		}
	}

	if _, err := s.configs.Get(r.Context(), name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	triggerID := uuid.NewString()
	log := s.log.With().Str("trigger_id", triggerID).Str("job", name).Logger()
	log.Info().Msg("Manual trigger accepted")

	// Long jobs must not hold the HTTP request open. The runner's guard
	// records a skipped row if an instance is already live.
	go func() {
		ctx := context.Background()
		if err := s.runner.RunJob(ctx, name, opts); err != nil {
			if errors.Is(err, jobs.ErrAlreadyRunning) {
				log.Warn().Msg("Trigger collided with a running instance")
				return
			}
			log.Error().Err(err).Msg("Manually triggered job failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"trigger_id": triggerID,
		"job":        name,
		"status":     "accepted",
	})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := queryInt(r, "limit", jobs.HistoryRetention)

	history, err := s.tracker.History(r.Context(), name, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

// chainView is one pipeline edge in API shape.
type chainView struct {
	After       string `json:"after"`
	Runs        string `json:"runs"`
	WeekdayOnly bool   `json:"weekday_only,omitempty"`
	BeforeHour  int    `json:"before_hour,omitempty"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	edges := s.chain.Edges()
	views := make([]chainView, 0, len(edges))
	for after, edge := range edges {
		views = append(views, chainView{
			After:       after,
			Runs:        edge.Next,
			WeekdayOnly: edge.WeekdayOnly,
			BeforeHour:  edge.BeforeHour,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].After < views[j].After })
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCleanupStuck(w http.ResponseWriter, r *http.Request) {
	cleaned, err := s.tracker.CleanupStuckRuns(r.Context(), 24*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleaned": cleaned})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	runs, err := s.scans.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanRunID(w, r)
	if !ok {
		return
	}
	run, err := s.scans.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleScanErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanRunID(w, r)
	if !ok {
		return
	}
	errs, err := s.scans.ListErrors(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleRetryScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanRunID(w, r)
	if !ok {
		return
	}

	result, err := s.retrier.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scan_run_id":     result.RunID,
		"retried":         result.Retried,
		"recovered":       result.Recovered,
		"symbols_fetched": result.SymbolsFetched,
		"error_count":     result.ErrorCount,
	})
}

func (s *Server) scanRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
