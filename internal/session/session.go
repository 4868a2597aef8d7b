// Package session holds conversations. A Session is an explicit handle
// with an append-only history and a monotonically increasing turn
// counter; the Manager creates, resets and ends them.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/chatty/internal/tools"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one history entry. Assistant messages that requested tools
// carry ToolCalls; tool results carry ToolCallID and ToolName.
type Message struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolName   string       `json:"tool_name,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Session is one conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	// turnMu is held for the whole of a turn so a session runs one turn
	// at a time.
	turnMu sync.Mutex

	mu         sync.Mutex
	messages   []Message
	turn       uint64
	lastActive time.Time
}

// NewID returns a time-ordered session id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, lastActive: now}
}

// BeginTurn waits for any running turn on this session to finish, then
// increments the turn counter. The caller must call the returned end
// function when the turn is over.
func (s *Session) BeginTurn() (turn uint64, end func()) {
	s.turnMu.Lock()
	s.mu.Lock()
	s.turn++
	turn = s.turn
	s.lastActive = time.Now()
	s.mu.Unlock()
	return turn, s.turnMu.Unlock
}

// Hold waits for any running turn to finish and keeps new turns from
// starting until release is called. The turn counter is unchanged.
func (s *Session) Hold() (release func()) {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// Turn is the number of turns begun so far. It never decreases, even
// across Reset.
func (s *Session) Turn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Append adds messages to the end of the history. Missing timestamps
// are filled in.
func (s *Session) Append(msgs ...Message) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		m.ToolCalls = slices.Clone(m.ToolCalls)
		s.messages = append(s.messages, m)
	}
	s.lastActive = now
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Len is the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LastActive is when the session last began a turn or gained a message.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Reset empties the history and returns what was removed. The id and
// turn counter are kept.
func (s *Session) Reset() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.messages
	s.messages = nil
	return old
}
