package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/tasks"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *tasks.Store {
	t.Helper()
	s, err := tasks.NewStore(filepath.Join(t.TempDir(), "tasks.db"), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func create(t *testing.T, s *tasks.Store, prompt string, sched tasks.Schedule) *tasks.Task {
	t.Helper()
	task, err := s.Create(context.Background(), tasks.NewTask{Prompt: prompt, SessionID: "sess", Schedule: sched})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

type fireLog struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fireLog) fire(_ context.Context, task *tasks.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, task.Prompt)
	return f.err
}

func (f *fireLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type countRecorder struct{ ok, failed int }

func (c *countRecorder) TaskFired(ok bool) {
	if ok {
		c.ok++
	} else {
		c.failed++
	}
}

func newScheduler(store Store, f *fireLog, bus *events.Bus, rec Recorder, now time.Time) *Scheduler {
	s := New(nil, store, f.fire, bus, rec, Config{CheckInterval: 10 * time.Millisecond})
	s.now = func() time.Time { return now }
	return s
}

func TestRunDue_FiresAndCompletes(t *testing.T) {
	store := newStore(t)
	once := create(t, store, "call mom", tasks.Schedule{Kind: tasks.KindOnce, At: t0.Add(-time.Minute)})
	hourly := create(t, store, "stretch", tasks.Schedule{Kind: tasks.KindEvery, Every: time.Hour, Anchor: t0.Add(-3 * time.Hour)})
	create(t, store, "later", tasks.Schedule{Kind: tasks.KindOnce, At: t0.Add(time.Hour)})

	f := &fireLog{}
	rec := &countRecorder{}
	s := newScheduler(store, f, nil, rec, t0)

	n, err := s.RunDue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || f.count() != 2 || rec.ok != 2 {
		t.Fatalf("fired %d (log %v, recorder %+v), want 2", n, f.prompts, rec)
	}
	// Ordered by due time: the hourly task is three hours late.
	if f.prompts[0] != "stretch" || f.prompts[1] != "call mom" {
		t.Errorf("fire order = %v", f.prompts)
	}

	got, _ := store.Get(context.Background(), once.ID)
	if got.Status != tasks.StatusCompleted {
		t.Errorf("once status = %s", got.Status)
	}
	got, _ = store.Get(context.Background(), hourly.ID)
	if got.Status != tasks.StatusPending || !got.NextDue.After(t0) {
		t.Errorf("hourly = %s next %v, want pending after %v", got.Status, got.NextDue, t0)
	}

	// A second pass at the same instant finds nothing: missed
	// occurrences were skipped, not queued.
	if n, _ := s.RunDue(context.Background()); n != 0 {
		t.Errorf("second pass fired %d", n)
	}
}

func TestRunDue_FailedFireStillCompletes(t *testing.T) {
	store := newStore(t)
	task := create(t, store, "broken", tasks.Schedule{Kind: tasks.KindOnce, At: t0})

	f := &fireLog{err: errors.New("model offline")}
	rec := &countRecorder{}
	s := newScheduler(store, f, nil, rec, t0)

	if n, err := s.RunDue(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunDue = %d, %v", n, err)
	}
	if rec.failed != 1 {
		t.Errorf("recorder = %+v", rec)
	}
	got, _ := store.Get(context.Background(), task.ID)
	if got.Status != tasks.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestRunDue_PanicContained(t *testing.T) {
	store := newStore(t)
	create(t, store, "boom", tasks.Schedule{Kind: tasks.KindOnce, At: t0})

	s := New(nil, store, func(context.Context, *tasks.Task) error { panic("bad prompt") }, nil, nil, Config{})
	s.now = func() time.Time { return t0 }
	if n, err := s.RunDue(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunDue = %d, %v", n, err)
	}
}

func TestTrigger(t *testing.T) {
	store := newStore(t)
	task := create(t, store, "early", tasks.Schedule{Kind: tasks.KindOnce, At: t0.Add(24 * time.Hour)})

	f := &fireLog{}
	s := newScheduler(store, f, nil, nil, t0)

	got, err := s.Trigger(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusCompleted || f.count() != 1 {
		t.Errorf("status = %s, fires = %d", got.Status, f.count())
	}
	if _, err := s.Trigger(context.Background(), task.ID); err == nil {
		t.Error("re-triggering a completed task succeeded")
	}
	if _, err := s.Trigger(context.Background(), "nope"); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEvents(t *testing.T) {
	store := newStore(t)
	create(t, store, "ping", tasks.Schedule{Kind: tasks.KindEvery, Every: time.Hour, Anchor: t0})

	bus := events.New()
	sub := bus.Subscribe(8)
	defer sub.Close()

	s := newScheduler(store, &fireLog{}, bus, nil, t0)
	if _, err := s.RunDue(context.Background()); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for range 2 {
		select {
		case e := <-sub.C:
			kinds = append(kinds, e.Kind)
			if e.SessionID != "sess" {
				t.Errorf("event session = %q", e.SessionID)
			}
			if e.Kind == events.KindTaskComplete && e.Data["next_due"] == nil {
				t.Error("recurring completion missing next_due")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if kinds[0] != events.KindTaskFired || kinds[1] != events.KindTaskComplete {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestStartStop(t *testing.T) {
	store := newStore(t)
	create(t, store, "tick", tasks.Schedule{Kind: tasks.KindOnce, At: t0})

	f := &fireLog{}
	s := newScheduler(store, f, nil, nil, t0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if f.count() != 1 || s.Fired() != 1 {
		t.Errorf("fires = %d, Fired() = %d, want 1", f.count(), s.Fired())
	}
}
