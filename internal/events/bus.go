// Package events is the in-process publish/subscribe bus that carries
// turn and tool activity from the agent runtime, tool registry and
// scheduler to observers (tool status tracker, websocket stream).
// A nil *Bus is valid and drops everything.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceTools     = "tools"
	SourceScheduler = "scheduler"
	SourceSession   = "session"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindTurnStart: round limit in "max_rounds".
	KindTurnStart = "turn_start"
	// KindLLMCall: "round", "model".
	KindLLMCall = "llm_call"
	// KindToolCall: "call_id", "tool".
	KindToolCall = "tool_call"
	// KindToolDone: "call_id", "tool", "ok", "error_kind", "duration_ms".
	KindToolDone = "tool_done"
	// KindTurnComplete: "rounds", "exhausted", "elapsed_ms".
	KindTurnComplete = "turn_complete"
	// KindTaskFired: "task_id", "description".
	KindTaskFired = "task_fired"
	// KindTaskComplete: "task_id", "ok", "next_due".
	KindTaskComplete = "task_complete"
	// KindSessionReset has no data.
	KindSessionReset = "session_reset"
	// KindSessionEnd has no data.
	KindSessionEnd = "session_end"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events on C until Close is called. When created
// for a session, only that session's events are delivered.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	sessionID string
	bus       *Bus
}

// Close detaches the subscription and closes C. Calling it twice is safe.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Bus fans events out to subscribers without blocking publishers: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Publish stamps e (if untimed) and delivers it to every matching
// subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.sessionID != "" && s.sessionID != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a subscription to all events with a buffer of size
// bufSize.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	return b.SubscribeSession("", bufSize)
}

// SubscribeSession returns a subscription limited to one session's
// events. An empty sessionID subscribes to everything.
func (b *Bus) SubscribeSession(sessionID string, bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, sessionID: sessionID, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
