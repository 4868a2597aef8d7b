package web

import (
	"net/http"

	"github.com/nugget/chatty/internal/tasks"
)

// handleTasks lists scheduled tasks. ?all=true includes completed ones;
// ?session_id= limits the list to one session.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	q := r.URL.Query()
	list, err := s.deps.Tasks.List(r.Context(), tasks.ListOptions{
		SessionID:        q.Get("session_id"),
		IncludeCompleted: q.Get("all") == "true",
	})
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list tasks: "+err.Error())
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}
