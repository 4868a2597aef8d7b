// Package web serves chatty's browser UI and its JSON API.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/chatty/internal/agent"
	"github.com/nugget/chatty/internal/buildinfo"
	"github.com/nugget/chatty/internal/connwatch"
	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/session"
	"github.com/nugget/chatty/internal/status"
	"github.com/nugget/chatty/internal/tasks"
	"github.com/nugget/chatty/internal/usage"
)

//go:embed static/*
var staticFiles embed.FS

// Responder runs a conversation turn.
type Responder interface {
	Respond(ctx context.Context, sess *session.Session, text string) (*agent.Answer, error)
}

// SessionManager is the part of *session.Manager the server uses.
type SessionManager interface {
	Get(id string) (*session.Session, bool)
	GetOrCreate(id string) (*session.Session, bool)
	Reset(ctx context.Context, id string) error
}

// TaskLister lists scheduled tasks.
type TaskLister interface {
	List(ctx context.Context, opts tasks.ListOptions) ([]*tasks.Task, error)
}

// StatusSource reports what a session is doing.
type StatusSource interface {
	Get(sessionID string) status.Status
}

// Archive reads transcripts of past sessions.
type Archive interface {
	Sessions(ctx context.Context, limit int) ([]session.Summary, error)
	Transcript(ctx context.Context, sessionID string) ([]session.Message, error)
	ExportMarkdown(ctx context.Context, sessionID string) (string, error)
}

// HealthSource reports the reachability of external services.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// UsageReporter summarizes token usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Deps are the components the server exposes. Agent and Sessions are
// required; the endpoints backed by a nil dependency answer 503.
type Deps struct {
	Agent    Responder
	Sessions SessionManager
	Tasks    TaskLister
	Status   StatusSource
	Archive  Archive
	Health   HealthSource
	Usage    UsageReporter
	Bus      *events.Bus
	Metrics  http.Handler
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{address: address, port: port, deps: deps, logger: logger}
}

// Handler returns the routes, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/usage", s.handleUsage)

	mux.HandleFunc("GET /api/archive/sessions", s.handleArchiveSessions)
	mux.HandleFunc("GET /api/archive/sessions/{id}", s.handleArchiveSessionGet)
	mux.HandleFunc("GET /api/archive/sessions/{id}/export", s.handleArchiveSessionExport)

	mux.HandleFunc("GET /_health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.Handle("GET /", staticHandler())

	return s.withLogging(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServerFS(sub)
}

// handleHealth answers while the process is up. Unreachable services
// are reported but do not fail the check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"ok":      true,
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}
	if s.deps.Health != nil {
		resp["services"] = s.deps.Health.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{"error": message})
}

// parseIntParam reads a positive integer query parameter.
func parseIntParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
