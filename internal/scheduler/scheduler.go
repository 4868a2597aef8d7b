// Package scheduler fires due tasks. On every tick it ranges the store's
// due tasks, hands each to a FireFunc (normally: inject the prompt into
// the owning session) and then completes it, which advances recurring
// tasks past now.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/chatty/internal/events"
	"github.com/nugget/chatty/internal/tasks"
)

// DefaultCheckInterval is used when Config.CheckInterval is zero.
const DefaultCheckInterval = 5 * time.Second

// FireFunc runs a due task.
type FireFunc func(ctx context.Context, task *tasks.Task) error

// Store is the subset of *tasks.Store the scheduler uses.
type Store interface {
	Get(ctx context.Context, id string) (*tasks.Task, error)
	ListDue(ctx context.Context, now time.Time) iter.Seq2[*tasks.Task, error]
	Complete(ctx context.Context, id string, now time.Time) (*tasks.Task, error)
}

// Recorder counts fires.
type Recorder interface {
	TaskFired(ok bool)
}

// Config tunes the scheduler.
type Config struct {
	CheckInterval time.Duration
	// FireTimeout bounds one FireFunc call. Zero means five minutes.
	FireTimeout time.Duration
}

// Scheduler polls the store and fires due tasks.
type Scheduler struct {
	logger   *slog.Logger
	store    Store
	fire     FireFunc
	bus      *events.Bus
	recorder Recorder
	cfg      Config
	now      func() time.Time

	// tick serializes poll passes and Trigger so a task is never fired
	// twice concurrently.
	tick sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	fired   uint64
}

// New creates a scheduler. bus and recorder may be nil.
func New(logger *slog.Logger, store Store, fire FireFunc, bus *events.Bus, recorder Recorder, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 5 * time.Minute
	}
	return &Scheduler{
		logger:   logger,
		store:    store,
		fire:     fire,
		bus:      bus,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start launches the poll loop. Tasks that came due while the process
// was down fire on the first pass, once each.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Debug("scheduler started", "check_interval", s.cfg.CheckInterval)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDue performs one pass: every task due at the current time is fired
// and completed. It returns how many tasks fired.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	s.tick.Lock()
	defer s.tick.Unlock()

	now := s.now()
	n := 0
	for task, err := range s.store.ListDue(ctx, now) {
		if err != nil {
			return n, err
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		s.run(ctx, task, now)
		n++
	}
	return n, nil
}

// Trigger fires one task immediately, whether or not it is due, and
// completes it.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*tasks.Task, error) {
	s.tick.Lock()
	defer s.tick.Unlock()

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == tasks.StatusCompleted {
		return nil, fmt.Errorf("task %s is already completed", id)
	}
	return s.run(ctx, task, s.now()), nil
}

// Fired returns how many tasks this scheduler has fired.
func (s *Scheduler) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// run fires task and completes it. A failed fire still completes the
// task so a broken prompt cannot refire on every tick.
func (s *Scheduler) run(ctx context.Context, task *tasks.Task, now time.Time) *tasks.Task {
	s.logger.Info("task firing",
		"task_id", task.ID,
		"description", task.Description,
		"session_id", task.SessionID,
		"due", task.NextDue,
	)
	s.bus.Publish(events.Event{
		Source:    events.SourceScheduler,
		Kind:      events.KindTaskFired,
		SessionID: task.SessionID,
		Data:      map[string]any{"task_id": task.ID, "description": task.Description},
	})

	start := time.Now()
	fireErr := s.invoke(ctx, task)
	if fireErr != nil {
		s.logger.Warn("task fire failed", "task_id", task.ID, "error", fireErr)
	}
	if s.recorder != nil {
		s.recorder.TaskFired(fireErr == nil)
	}

	s.mu.Lock()
	s.fired++
	s.mu.Unlock()

	// Completion must land even when ctx was cancelled mid-fire.
	updated, err := s.store.Complete(context.WithoutCancel(ctx), task.ID, now)
	if err != nil {
		if !errors.Is(err, tasks.ErrNotFound) {
			s.logger.Error("task completion failed", "task_id", task.ID, "error", err)
		}
		return task
	}

	data := map[string]any{"task_id": task.ID, "ok": fireErr == nil}
	if updated.Status == tasks.StatusPending {
		data["next_due"] = updated.NextDue
	}
	s.bus.Publish(events.Event{
		Source:    events.SourceScheduler,
		Kind:      events.KindTaskComplete,
		SessionID: task.SessionID,
		Data:      data,
	})
	s.logger.Info("task completed",
		"task_id", task.ID,
		"status", updated.Status,
		"next_due", updated.NextDue,
		"elapsed", time.Since(start),
	)
	return updated
}

func (s *Scheduler) invoke(ctx context.Context, task *tasks.Task) (err error) {
	if s.fire == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fire panicked: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FireTimeout)
	defer cancel()
	return s.fire(ctx, task)
}
