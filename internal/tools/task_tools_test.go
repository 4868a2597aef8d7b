package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/chatty/internal/tasks"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTaskRegistry(t *testing.T) (*Registry, *tasks.Store) {
	t.Helper()
	store, err := tasks.NewStore(filepath.Join(t.TempDir(), "tasks.db"), time.UTC)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := NewRegistry(nil, nil, nil)
	if err := RegisterTaskTools(r, store, func() time.Time { return testNow }); err != nil {
		t.Fatalf("RegisterTaskTools: %v", err)
	}
	return r, store
}

func TestScheduleTask_CreatesForSession(t *testing.T) {
	r, store := newTaskRegistry(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, Env{SessionID: "s1"}, Call{Name: "schedule_task", Arguments: map[string]any{
		"description": "tea",
		"prompt":      "remind me the tea is ready",
		"when":        "in 5 minutes",
	}})
	if !res.OK {
		t.Fatalf("schedule_task failed: %s", res.Content())
	}

	list, err := store.List(ctx, tasks.ListOptions{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("tasks = %d, want 1", len(list))
	}
	got := list[0]
	if !got.NextDue.Equal(testNow.Add(5 * time.Minute)) {
		t.Errorf("NextDue = %s", got.NextDue)
	}
	if got.Schedule.Kind != tasks.KindOnce {
		t.Errorf("Kind = %s", got.Schedule.Kind)
	}
	if !strings.Contains(res.Payload, got.ID) {
		t.Errorf("payload %q does not mention id", res.Payload)
	}
}

func TestScheduleTask_InvalidSchedules(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"no schedule", map[string]any{"description": "x", "prompt": "p"}},
		{"two forms", map[string]any{"description": "x", "prompt": "p", "when": "5m", "cron": "0 9 * * *"}},
		{"bad cron", map[string]any{"description": "x", "prompt": "p", "cron": "every tuesday"}},
		{"bad when", map[string]any{"description": "x", "prompt": "p", "when": "someday"}},
		{"zero interval", map[string]any{"description": "x", "prompt": "p", "repeat": "0s"}},
		{"overflowing interval", map[string]any{"description": "x", "prompt": "p", "repeat": "99999999999 weeks"}},
		{"overflowing delay", map[string]any{"description": "x", "prompt": "p", "when": "in 99999999999 weeks"}},
		{"too many months", map[string]any{"description": "x", "prompt": "p", "repeat": "5000 months"}},
		{"count on one-time", map[string]any{"description": "x", "prompt": "p", "when": "5m", "count": 3}},
		{"unsupported rrule", map[string]any{"description": "x", "prompt": "p",
			"vevent": "BEGIN:VEVENT\nDTSTART:20260310T090000Z\nRRULE:FREQ=WEEKLY;BYDAY=MO\nEND:VEVENT"}},
		{"empty prompt", map[string]any{"description": "x", "prompt": " ", "when": "5m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTaskRegistry(t)
			res := r.Dispatch(context.Background(), Env{SessionID: "s"}, Call{Name: "schedule_task", Arguments: tt.args})
			if res.OK {
				t.Fatalf("expected failure, got %q", res.Payload)
			}
			if res.Error.Kind != InvalidArguments {
				t.Errorf("Kind = %s (%s), want InvalidArguments", res.Error.Kind, res.Error.Message)
			}
			list, _ := store.List(context.Background(), tasks.ListOptions{IncludeCompleted: true})
			if len(list) != 0 {
				t.Errorf("invalid request stored %d task(s)", len(list))
			}
		})
	}
}

func TestParseHumanDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"90 minutes", 90 * time.Minute, false},
		{"2 weeks", 14 * 24 * time.Hour, false},
		{"36500 days", 36500 * 24 * time.Hour, false},
		{"5300 weeks", 0, true},
		{"15250238 weeks", 0, true}, // wraps int64 nanoseconds
		{"-99999999999 days", 0, true},
		{"3 fortnights", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHumanDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildSchedule(t *testing.T) {
	tests := []struct {
		name   string
		args   scheduleTaskArgs
		kind   tasks.Kind
		first  time.Time
		every  time.Duration
		months int
	}{
		{
			name:  "duration delay",
			args:  scheduleTaskArgs{When: "30m"},
			kind:  tasks.KindOnce,
			first: testNow.Add(30 * time.Minute),
		},
		{
			name:  "clock time later today",
			args:  scheduleTaskArgs{When: "15:30"},
			kind:  tasks.KindOnce,
			first: time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC),
		},
		{
			name:  "clock time already past rolls to tomorrow",
			args:  scheduleTaskArgs{When: "8am"},
			kind:  tasks.KindOnce,
			first: time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
		},
		{
			name:  "date",
			args:  scheduleTaskArgs{When: "2026-05-01 09:00"},
			kind:  tasks.KindOnce,
			first: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "daily without start",
			args:  scheduleTaskArgs{Repeat: "daily"},
			kind:  tasks.KindEvery,
			first: testNow.Add(24 * time.Hour),
			every: 24 * time.Hour,
		},
		{
			name:  "every 90 minutes from a time",
			args:  scheduleTaskArgs{When: "10:00", Repeat: "every 90m"},
			kind:  tasks.KindEvery,
			first: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
			every: 90 * time.Minute,
		},
		{
			name:   "monthly",
			args:   scheduleTaskArgs{When: "2026-03-31 09:00", Repeat: "monthly"},
			kind:   tasks.KindMonthly,
			first:  time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
			months: 1,
		},
		{
			name:   "yearly",
			args:   scheduleTaskArgs{Repeat: "yearly"},
			kind:   tasks.KindMonthly,
			first:  testNow,
			months: 12,
		},
		{
			name: "cron",
			args: scheduleTaskArgs{Cron: "0 9 * * 1"},
			kind: tasks.KindCron,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildSchedule(tt.args, testNow, time.UTC)
			if err != nil {
				t.Fatalf("buildSchedule: %v", err)
			}
			if got.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.kind)
			}
			if got.Every != tt.every {
				t.Errorf("Every = %s, want %s", got.Every, tt.every)
			}
			if got.Months != tt.months {
				t.Errorf("Months = %d, want %d", got.Months, tt.months)
			}
			if tt.first.IsZero() {
				return
			}
			first, err := got.First(testNow, time.UTC)
			if err != nil {
				t.Fatal(err)
			}
			if !first.Equal(tt.first) {
				t.Errorf("First = %s, want %s", first, tt.first)
			}
		})
	}
}

func TestTaskTools_ListCompleteDelete(t *testing.T) {
	r, store := newTaskRegistry(t)
	ctx := context.Background()

	mine, err := store.Create(ctx, tasks.NewTask{
		Description: "stretch", Prompt: "time to stretch", SessionID: "s1",
		Schedule: tasks.Schedule{Kind: tasks.KindEvery, Every: time.Hour, Anchor: testNow},
	})
	if err != nil {
		t.Fatal(err)
	}
	other, err := store.Create(ctx, tasks.NewTask{
		Description: "other", Prompt: "p", SessionID: "s2",
		Schedule: tasks.Schedule{Kind: tasks.KindOnce, At: testNow},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(ctx, Env{SessionID: "s1"}, Call{Name: "list_tasks"})
	if !res.OK || !strings.Contains(res.Payload, "stretch") || strings.Contains(res.Payload, "other") {
		t.Errorf("list_tasks = %q", res.Content())
	}
	res = r.Dispatch(ctx, Env{SessionID: "s1"}, Call{Name: "list_tasks", Arguments: map[string]any{"all_sessions": true}})
	if !strings.Contains(res.Payload, "other") {
		t.Errorf("list_tasks all_sessions = %q", res.Content())
	}

	// Complete by prefix advances the recurring task.
	res = r.Dispatch(ctx, Env{SessionID: "s1"}, Call{Name: "complete_task", Arguments: map[string]any{"task_id": mine.ID[:len(mine.ID)-4]}})
	if !res.OK || !strings.Contains(res.Payload, "advanced") {
		t.Fatalf("complete_task = %q", res.Content())
	}
	got, _ := store.Get(ctx, mine.ID)
	if !got.NextDue.After(testNow) {
		t.Errorf("NextDue = %s, want after %s", got.NextDue, testNow)
	}

	res = r.Dispatch(ctx, Env{SessionID: "s2"}, Call{Name: "delete_task", Arguments: map[string]any{"task_id": other.ID}})
	if !res.OK {
		t.Fatalf("delete_task = %q", res.Content())
	}
	res = r.Dispatch(ctx, Env{SessionID: "s2"}, Call{Name: "delete_task", Arguments: map[string]any{"task_id": other.ID}})
	if res.OK || res.Error.Kind != NotFound {
		t.Errorf("second delete = %+v, want NotFound", res)
	}
}

type brokenStore struct{ TaskStore }

var errDisk = errors.New("disk I/O error")

func (brokenStore) Create(context.Context, tasks.NewTask) (*tasks.Task, error) { return nil, errDisk }
func (brokenStore) Location() *time.Location                                   { return time.UTC }

func TestScheduleTask_StorageFailureIsHard(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	if err := RegisterTaskTools(r, brokenStore{}, func() time.Time { return testNow }); err != nil {
		t.Fatal(err)
	}
	res := r.Dispatch(context.Background(), Env{SessionID: "s"}, Call{Name: "schedule_task", Arguments: map[string]any{
		"description": "x", "prompt": "p", "when": "5m",
	}})
	if res.OK || !res.Hard {
		t.Fatalf("result = %+v, want hard failure", res)
	}
	if !errors.Is(res.Cause, errDisk) {
		t.Errorf("Cause = %v", res.Cause)
	}
}
