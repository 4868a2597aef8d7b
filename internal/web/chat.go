package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/chatty/internal/agent"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/status"
)

// maxBodyBytes bounds chat and reset request bodies.
const maxBodyBytes = 1 << 20

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// Format "html" adds a rendered copy of the reply.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the answer to POST /api/chat.
type ChatResponse struct {
	Reply     string `json:"reply"`
	HTML      string `json:"html,omitempty"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Exhausted bool   `json:"exhausted"`
	Rounds    int    `json:"rounds"`
}

// handleChat runs one turn. An absent or unknown session id starts a
// new session, whose id is returned.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "Empty message")
		return
	}

	sess, ok := s.deps.Sessions.Get(req.SessionID)
	if !ok {
		sess, _ = s.deps.Sessions.GetOrCreate("")
	}

	ans, err := s.deps.Agent.Respond(r.Context(), sess, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			s.logger.Info("chat turn abandoned by client", "session_id", sess.ID)
			return
		case errors.Is(err, context.DeadlineExceeded):
			s.errorResponse(w, http.StatusGatewayTimeout, "The response took too long and was stopped.")
			return
		}
		msg := "Agent error: " + err.Error()
		if tool, ok := agent.IsToolFailure(err); ok {
			msg = "The " + tool + " tool failed and the request was stopped: " + err.Error()
		}
		s.logger.Error("chat turn failed", "session_id", sess.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msg)
		return
	}

	resp := ChatResponse{
		Reply:     ans.Text,
		SessionID: sess.ID,
		Model:     ans.Model,
		Exhausted: ans.Exhausted,
		Rounds:    ans.Rounds,
	}
	if req.Format == "html" {
		html, err := RenderMarkdown(ans.Text)
		if err != nil {
			s.logger.Warn("markdown render failed", "session_id", sess.ID, "error", err)
		}
		resp.HTML = html
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReset clears a session's history. The id is kept; an unknown or
// missing id gets a fresh session instead.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id := req.SessionID
	err := s.deps.Sessions.Reset(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound) || id == "":
		sess, _ := s.deps.Sessions.GetOrCreate("")
		id = sess.ID
	case err != nil:
		s.logger.Error("session reset failed", "session_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	default:
		s.logger.Info("session reset via API", "session_id", id)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	st := status.Status{Label: "Working…"}
	if s.deps.Status != nil && id != "" {
		st = s.deps.Status.Get(id)
	}
	s.writeJSON(w, http.StatusOK, st)
}

type historyMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// handleSessionMessages returns a live session's user and assistant
// messages.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"turn":       sess.Turn(),
		"messages":   visibleMessages(sess.Messages()),
	})
}

// visibleMessages drops tool traffic and the empty assistant messages
// that only carried tool calls.
func visibleMessages(msgs []session.Message) []historyMessage {
	out := []historyMessage{}
	for _, m := range msgs {
		if m.Role == session.RoleTool || (m.Role == session.RoleAssistant && m.Content == "" && len(m.ToolCalls) > 0) {
			continue
		}
		out = append(out, historyMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}
