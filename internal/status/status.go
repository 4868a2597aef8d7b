// Package status tracks what the assistant is doing in each session so
// front ends can show "Searching the web…" while a turn runs. It is fed
// from the event bus; a finished activity keeps showing for a short
// linger so fast tools are still visible.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/chatty/internal/events"
)

// DefaultLinger is how long a finished activity stays visible.
const DefaultLinger = 1200 * time.Millisecond

// Status is a session's current activity as reported to clients.
type Status struct {
	Active bool   `json:"active"`
	Label  string `json:"label"`
	Type   string `json:"type,omitempty"`
	// Searching is true only for web search activity; older clients
	// read it instead of Type.
	Searching bool      `json:"searching"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

type activity struct {
	label string
	typ   string
}

var toolActivities = map[string]activity{
	"web_search":      {"Searching the web…", "search"},
	"browse_url":      {"Reading more…", "website"},
	"get_location":    {"Checking location…", "location"},
	"get_weather":     {"Getting weather…", "weather"},
	"get_stock_price": {"Getting stock price…", "stocks"},
	"ha_get_state":    {"Checking device status…", "status"},
	"ha_call_service": {"Adjusting devices…", "home"},
	"device_command":  {"Sending device command…", "device"},
	"execute_code":    {"Running code…", "code"},
	"sandbox_reset":   {"Resetting interpreter…", "code"},
	"sandbox_inspect": {"Inspecting interpreter…", "code"},
	"schedule_task":   {"Scheduling task…", "task"},
	"list_tasks":      {"Checking tasks…", "task"},
	"complete_task":   {"Updating task…", "task"},
	"delete_task":     {"Deleting task…", "task"},

	"list_calendar_events":  {"Checking calendar…", "calendar"},
	"create_calendar_event": {"Adding calendar event…", "calendar"},
	"delete_calendar_event": {"Removing calendar event…", "calendar"},
}

var (
	defaultActivity = activity{"Working…", "tool"}
	taskActivity    = activity{"Running scheduled task…", "scheduled"}
)

// Label is the activity shown while tool runs.
func Label(tool string) string {
	if act, ok := toolActivities[tool]; ok {
		return act.label
	}
	return defaultActivity.label
}

type entry struct {
	activity
	running     int
	updatedAt   time.Time
	lingerUntil time.Time
}

// Tracker holds the status of every session that has had activity.
type Tracker struct {
	logger *slog.Logger
	linger time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewTracker creates a tracker. A zero linger uses DefaultLinger.
func NewTracker(logger *slog.Logger, linger time.Duration) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if linger <= 0 {
		linger = DefaultLinger
	}
	return &Tracker{
		logger:   logger,
		linger:   linger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Run applies bus events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(256)
	defer sub.Close()
	t.logger.Debug("status tracker started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			t.Apply(e)
		}
	}
}

// Apply updates the tracker from one event. Events without a session
// are ignored.
func (t *Tracker) Apply(e events.Event) {
	if e.SessionID == "" {
		return
	}
	switch e.Kind {
	case events.KindToolCall:
		name, _ := e.Data["tool"].(string)
		act, ok := toolActivities[name]
		if !ok {
			act = defaultActivity
		}
		t.start(e.SessionID, act)
	case events.KindTaskFired:
		t.start(e.SessionID, taskActivity)
	case events.KindToolDone, events.KindTaskComplete:
		t.finish(e.SessionID)
	case events.KindSessionEnd:
		t.Forget(e.SessionID)
	}
}

func (t *Tracker) start(sessionID string, act activity) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.sessions[sessionID]
	if e == nil {
		e = &entry{}
		t.sessions[sessionID] = e
	}
	e.activity = act
	e.running++
	e.updatedAt = now
	e.lingerUntil = now.Add(t.linger)
}

func (t *Tracker) finish(sessionID string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.sessions[sessionID]
	if e == nil {
		return
	}
	if e.running > 0 {
		e.running--
	}
	// The label is kept so the linger shows what just finished.
	e.updatedAt = now
	e.lingerUntil = now.Add(t.linger)
}

// Get returns a session's status. Unknown sessions are idle.
func (t *Tracker) Get(sessionID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.sessions[sessionID]
	if e == nil {
		return Status{Label: defaultActivity.label}
	}
	active := e.running > 0 || e.lingerUntil.After(t.now())
	label := e.label
	if label == "" {
		label = defaultActivity.label
	}
	return Status{
		Active:    active,
		Label:     label,
		Type:      e.typ,
		Searching: active && e.typ == "search",
		UpdatedAt: e.updatedAt,
	}
}

// Forget drops a session's status.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
