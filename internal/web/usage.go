package web

import (
	"net/http"
	"time"
)

// defaultUsageWindow is the period summarized without ?since.
const defaultUsageWindow = 24 * time.Hour

// handleUsage summarizes token usage over the last ?since (a Go
// duration such as 168h), grouped by model.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	window := defaultUsageWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	total, err := s.deps.Usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary: "+err.Error())
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"start":    start.UTC(),
		"end":      end.UTC(),
		"total":    total,
		"by_model": byModel,
	})
}
