// Package tasks is the durable store of scheduled prompts. A task holds
// a prompt to inject into a session and a Schedule saying when. The
// store answers "what is due now", completes tasks (advancing recurring
// ones past any missed occurrences in one step) and deletes them.
// Every mutation is committed to SQLite before it returns.
package tasks

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidSchedule is returned for malformed schedules.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidTask is returned when required task fields are missing.
	ErrInvalidTask = errors.New("invalid task")
)

// Task is one stored scheduled prompt.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Prompt      string    `json:"prompt"`
	SessionID   string    `json:"session_id,omitempty"`
	Schedule    Schedule  `json:"schedule"`
	Status      Status    `json:"status"`
	NextDue     time.Time `json:"next_due"`
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`
	FireCount   int       `json:"fire_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Due reports whether the task is pending and due at now.
func (t *Task) Due(now time.Time) bool {
	return t.Status == StatusPending && !t.NextDue.After(now)
}

// NewTask is the input to Store.Create.
type NewTask struct {
	Description string
	Prompt      string
	SessionID   string
	Schedule    Schedule
}

// NewID generates a time-ordered task id (UUIDv7), falling back to a
// random UUIDv4 if the v7 generator fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// complete applies one completion at now to a copy of t. One-time tasks
// become terminal. Recurring tasks move to their first occurrence
// strictly after max(now, NextDue), or become terminal when the
// schedule is exhausted.
func (t Task) complete(now time.Time, loc *time.Location) *Task {
	if t.Status == StatusCompleted {
		return &t
	}
	t.LastFiredAt = now
	t.FireCount++
	t.UpdatedAt = now

	if !t.Schedule.Recurring() {
		t.Status = StatusCompleted
		return &t
	}
	if t.Schedule.Count > 0 && t.FireCount >= t.Schedule.Count {
		t.Status = StatusCompleted
		return &t
	}

	ref := now
	if t.NextDue.After(ref) {
		ref = t.NextDue
	}
	next, ok := t.Schedule.Next(ref, loc)
	if !ok {
		t.Status = StatusCompleted
		return &t
	}
	t.NextDue = next.UTC()
	return &t
}
