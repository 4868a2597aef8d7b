package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/chatty/internal/events"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Archive reasons.
const (
	ReasonReset    = "reset"
	ReasonEnd      = "end"
	ReasonShutdown = "shutdown"
)

// Archiver persists transcripts that are about to leave memory.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, msgs []Message, reason string) error
}

// Manager owns the live sessions.
type Manager struct {
	logger  *slog.Logger
	bus     *events.Bus
	archive Archiver

	mu       sync.RWMutex
	sessions map[string]*Session
	onEnd    []func(sessionID string)
}

// NewManager creates an empty manager. bus and archive may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus, archive Archiver) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		archive:  archive,
		sessions: make(map[string]*Session),
	}
}

// OnEnd registers fn to run after a session ends, for releasing
// per-session resources held elsewhere.
func (m *Manager) OnEnd(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

// New creates a session with a fresh id.
func (m *Manager) New() *Session {
	s := newSession(NewID(), time.Now())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Debug("session created", "session_id", s.ID)
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with id, creating it under that id if
// needed. An empty id always creates a new session. created reports
// whether a session was made.
func (m *Manager) GetOrCreate(id string) (s *Session, created bool) {
	if id == "" {
		return m.New(), true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, time.Now())
	m.sessions[id] = s
	m.logger.Debug("session created", "session_id", id)
	return s, true
}

// Reset archives and clears a session's history, keeping its id.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Wait for a running turn so it cannot append into the fresh history.
	release := s.Hold()
	old := s.Reset()
	release()

	m.store(ctx, id, old, ReasonReset)
	m.bus.Publish(events.Event{Source: events.SourceSession, Kind: events.KindSessionReset, SessionID: id})
	m.logger.Info("session reset", "session_id", id, "archived_messages", len(old))
	return nil
}

// End archives a session, forgets it and runs the OnEnd hooks. A turn
// in progress finishes first.
func (m *Manager) End(ctx context.Context, id string) error {
	if !m.end(ctx, id, time.Time{}) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// EndIdle ends every session inactive since before cutoff and returns
// how many ended.
func (m *Manager) EndIdle(ctx context.Context, cutoff time.Time) int {
	var idle []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range idle {
		if m.end(ctx, id, cutoff) {
			n++
		}
	}
	return n
}

// end ends id unless it is gone or, with a non-zero idleCutoff, was
// active again by the time its running turn finished.
func (m *Manager) end(ctx context.Context, id string, idleCutoff time.Time) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	release := s.Hold()
	defer release()

	if !idleCutoff.IsZero() && !s.LastActive().Before(idleCutoff) {
		return false
	}
	m.mu.Lock()
	cur, ok := m.sessions[id]
	if ok && cur == s {
		delete(m.sessions, id)
	}
	hooks := slices.Clone(m.onEnd)
	m.mu.Unlock()
	if !ok || cur != s {
		return false
	}

	m.store(ctx, id, s.Messages(), ReasonEnd)
	for _, fn := range hooks {
		fn(id)
	}
	m.bus.Publish(events.Event{Source: events.SourceSession, Kind: events.KindSessionEnd, SessionID: id})
	m.logger.Info("session ended", "session_id", id, "turns", s.Turn())
	return true
}

// Count is the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Close archives every live session's history.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		m.store(ctx, s.ID, s.Messages(), ReasonShutdown)
	}
}

func (m *Manager) store(ctx context.Context, id string, msgs []Message, reason string) {
	if m.archive == nil || len(msgs) == 0 {
		return
	}
	if err := m.archive.Archive(ctx, id, msgs, reason); err != nil {
		m.logger.Error("transcript archive failed", "session_id", id, "reason", reason, "error", err)
	}
}
