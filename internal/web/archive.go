package web

import (
	"errors"
	"mime"
	"net/http"

	"github.com/nugget/chatty/internal/session"
)

func (s *Server) handleArchiveSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	sessions, err := s.deps.Archive.Sessions(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleArchiveSessionGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	id := r.PathValue("id")
	transcript, err := s.deps.Archive.Transcript(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get transcript: "+err.Error())
		return
	}
	if len(transcript) == 0 {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "transcript": transcript})
}

func (s *Server) handleArchiveSessionExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}
	md, err := s.deps.Archive.ExportMarkdown(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, "export: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": r.PathValue("id") + ".md"}))
	if _, err := w.Write([]byte(md)); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}
