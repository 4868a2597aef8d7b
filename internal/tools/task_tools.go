package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/tasks"
)

// TaskStore is the subset of *tasks.Store the task tools use.
type TaskStore interface {
	Create(ctx context.Context, in tasks.NewTask) (*tasks.Task, error)
	List(ctx context.Context, opts tasks.ListOptions) ([]*tasks.Task, error)
	Complete(ctx context.Context, id string, now time.Time) (*tasks.Task, error)
	Delete(ctx context.Context, id string) error
	Location() *time.Location
}

type scheduleTaskArgs struct {
	Description string `json:"description" jsonschema:"Short human-readable label for the task"`
	Prompt      string `json:"prompt" jsonschema:"What you want to be told or asked to do when the task fires"`
	When        string `json:"when,omitempty" jsonschema:"When to fire: a delay like 30m or 'in 2 hours', a time like 15:04 or 3:30pm, or a date like 2026-05-01 09:00 or RFC3339"`
	Repeat      string `json:"repeat,omitempty" jsonschema:"Repeat interval: hourly, daily, weekly, monthly, yearly, or a duration like 90m"`
	Cron        string `json:"cron,omitempty" jsonschema:"Five-field cron expression, as an alternative to when/repeat"`
	VEvent      string `json:"vevent,omitempty" jsonschema:"iCalendar VEVENT with DTSTART and optional RRULE, as an alternative to when/repeat"`
	Count       int    `json:"count,omitempty" jsonschema:"Stop after this many occurrences"`
	Until       string `json:"until,omitempty" jsonschema:"No occurrences after this date or time"`
}

type listTasksArgs struct {
	IncludeCompleted bool `json:"include_completed,omitempty" jsonschema:"Also list finished tasks"`
	AllSessions      bool `json:"all_sessions,omitempty" jsonschema:"List tasks from every conversation, not just this one"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"Task id, or a unique prefix of at least 8 characters"`
}

// RegisterTaskTools adds schedule_task, list_tasks, complete_task and
// delete_task. now is the clock; nil means time.Now.
func RegisterTaskTools(r *Registry, store TaskStore, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	tt := &taskTools{store: store, now: now}

	if err := Add(r, "schedule_task",
		"Schedule a prompt to be delivered back to this conversation later, once or on a repeating schedule.",
		tt.schedule); err != nil {
		return err
	}
	if err := Add(r, "list_tasks", "List scheduled tasks for this conversation.", tt.list); err != nil {
		return err
	}
	if err := Add(r, "complete_task",
		"Mark a task done now. One-time tasks finish; repeating tasks skip ahead to their next occurrence.",
		tt.complete); err != nil {
		return err
	}
	return Add(r, "delete_task", "Delete a scheduled task permanently.", tt.delete)
}

type taskTools struct {
	store TaskStore
	now   func() time.Time
}

func (tt *taskTools) schedule(ctx context.Context, env Env, a scheduleTaskArgs) (string, error) {
	now := tt.now()
	loc := tt.store.Location()

	sched, err := buildSchedule(a, now, loc)
	if err != nil {
		return "", Errorf(InvalidArguments, "%v", err)
	}

	task, err := tt.store.Create(ctx, tasks.NewTask{
		Description: a.Description,
		Prompt:      a.Prompt,
		SessionID:   env.SessionID,
		Schedule:    sched,
	})
	if err != nil {
		return "", storeError(err)
	}

	msg := fmt.Sprintf("Task %q scheduled (ID: %s). Next run: %s",
		task.Description, task.ID, task.NextDue.In(loc).Format(time.RFC3339))
	if sched.Recurring() {
		msg += " (repeating)"
	}
	return msg, nil
}

func (tt *taskTools) list(ctx context.Context, env Env, a listTasksArgs) (string, error) {
	opts := tasks.ListOptions{IncludeCompleted: a.IncludeCompleted}
	if !a.AllSessions {
		opts.SessionID = env.SessionID
	}
	list, err := tt.store.List(ctx, opts)
	if err != nil {
		return "", storeError(err)
	}
	if len(list) == 0 {
		return "No scheduled tasks.", nil
	}

	loc := tt.store.Location()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d task(s):\n", len(list))
	for _, t := range list {
		fmt.Fprintf(&sb, "- %s (%s): %s", t.Description, t.ID, t.Status)
		if t.Status == tasks.StatusPending {
			fmt.Fprintf(&sb, ", next: %s", t.NextDue.In(loc).Format("2006-01-02 15:04 MST"))
		}
		if t.Schedule.Recurring() {
			fmt.Fprintf(&sb, ", %s", describeSchedule(t.Schedule))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (tt *taskTools) complete(ctx context.Context, env Env, a taskIDArgs) (string, error) {
	id, err := tt.resolveID(ctx, a.TaskID)
	if err != nil {
		return "", err
	}
	task, err := tt.store.Complete(ctx, id, tt.now())
	if err != nil {
		return "", storeError(err)
	}
	if task.Status == tasks.StatusCompleted {
		return fmt.Sprintf("Task %q completed.", task.Description), nil
	}
	return fmt.Sprintf("Task %q advanced. Next run: %s", task.Description,
		task.NextDue.In(tt.store.Location()).Format(time.RFC3339)), nil
}

func (tt *taskTools) delete(ctx context.Context, _ Env, a taskIDArgs) (string, error) {
	id, err := tt.resolveID(ctx, a.TaskID)
	if err != nil {
		return "", err
	}
	if err := tt.store.Delete(ctx, id); err != nil {
		return "", storeError(err)
	}
	return fmt.Sprintf("Task %s deleted.", id), nil
}

// resolveID accepts a full id or a unique prefix of at least 8
// characters, matching against every task including completed ones.
func (tt *taskTools) resolveID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", Errorf(InvalidArguments, "task_id is required")
	}
	all, err := tt.store.List(ctx, tasks.ListOptions{IncludeCompleted: true})
	if err != nil {
		return "", storeError(err)
	}

	var matches []string
	for _, t := range all {
		if t.ID == ref {
			return ref, nil
		}
		if len(ref) >= 8 && strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", Errorf(NotFound, "no task with id %s", ref)
	case 1:
		return matches[0], nil
	default:
		return "", Errorf(InvalidArguments, "task id prefix %s is ambiguous (%d matches)", ref, len(matches))
	}
}

// storeError classifies task store errors: validation and lookup
// failures go back to the model, anything else is a storage fault.
func storeError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return Errorf(NotFound, "%v", err)
	case errors.Is(err, tasks.ErrInvalidSchedule), errors.Is(err, tasks.ErrInvalidTask):
		return Errorf(InvalidArguments, "%v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Hard(fmt.Errorf("task store: %w", err))
	}
}

// buildSchedule turns the schedule_task arguments into a Schedule.
// Exactly one of vevent, cron or when/repeat must be given.
func buildSchedule(a scheduleTaskArgs, now time.Time, loc *time.Location) (tasks.Schedule, error) {
	forms := 0
	for _, set := range []bool{a.VEvent != "", a.Cron != "", a.When != "" || a.Repeat != ""} {
		if set {
			forms++
		}
	}
	switch forms {
	case 0:
		return tasks.Schedule{}, errors.New("one of when, repeat, cron or vevent is required")
	case 1:
	default:
		return tasks.Schedule{}, errors.New("give only one of when/repeat, cron or vevent")
	}

	var (
		sched tasks.Schedule
		err   error
	)
	switch {
	case a.VEvent != "":
		sched, err = tasks.ParseVEVENT(a.VEvent, loc)
	case a.Cron != "":
		sched = tasks.Schedule{Kind: tasks.KindCron, Cron: strings.TrimSpace(a.Cron)}
	default:
		sched, err = parseWhen(a.When, a.Repeat, now, loc)
	}
	if err != nil {
		return tasks.Schedule{}, err
	}

	if a.Count > 0 {
		sched.Count = a.Count
	}
	if a.Until != "" {
		until, err := parseTimeOfDay(a.Until, now, loc)
		if err != nil {
			return tasks.Schedule{}, fmt.Errorf("invalid until: %w", err)
		}
		sched.Until = until
	}
	if (sched.Count > 0 || !sched.Until.IsZero()) && !sched.Recurring() {
		return tasks.Schedule{}, errors.New("count and until only apply to repeating tasks")
	}
	return sched, sched.Validate()
}

// parseWhen converts a human-friendly time and optional repeat into a
// Schedule. With repeat and no when, the first run is one interval from
// now.
func parseWhen(when, repeat string, now time.Time, loc *time.Location) (tasks.Schedule, error) {
	when = strings.TrimSpace(when)

	var start time.Time
	if when != "" {
		t, err := parseTimeOfDay(when, now, loc)
		if err != nil {
			return tasks.Schedule{}, err
		}
		start = t
	}

	if repeat == "" {
		return tasks.Schedule{Kind: tasks.KindOnce, At: start}, nil
	}

	every, months, err := parseRepeat(repeat)
	if err != nil {
		return tasks.Schedule{}, fmt.Errorf("invalid repeat: %w", err)
	}
	if months > 0 {
		if start.IsZero() {
			start = now
		}
		return tasks.Schedule{Kind: tasks.KindMonthly, Months: months, Anchor: start}, nil
	}
	if start.IsZero() {
		start = now.Add(every)
	}
	return tasks.Schedule{Kind: tasks.KindEvery, Every: every, Anchor: start}, nil
}

// parseTimeOfDay parses a delay, a clock time or a date into an instant.
func parseTimeOfDay(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	if d, err := time.ParseDuration(lower); err == nil {
		return now.Add(d), nil
	}
	if rest, ok := strings.CutPrefix(lower, "in "); ok {
		if d, err := parseHumanDuration(rest); err == nil {
			return now.Add(d), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	for _, layout := range []string{"15:04", "3:04pm", "3:04 pm", "3pm"} {
		t, err := time.ParseInLocation(layout, lower, loc)
		if err != nil {
			continue
		}
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(local) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", s)
}

// parseRepeat returns either a fixed interval or a month count.
func parseRepeat(s string) (time.Duration, int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "minutely":
		return time.Minute, 0, nil
	case "hourly":
		return time.Hour, 0, nil
	case "daily":
		return 24 * time.Hour, 0, nil
	case "weekly":
		return 7 * 24 * time.Hour, 0, nil
	case "monthly":
		return 0, 1, nil
	case "yearly", "annually":
		return 0, 12, nil
	}

	s = strings.TrimPrefix(s, "every ")
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, 0, fmt.Errorf("interval must be positive")
		}
		return d, 0, nil
	}
	if fields := strings.Fields(s); len(fields) == 2 && strings.HasPrefix(fields[1], "month") {
		n, err := strconv.Atoi(fields[0])
		if err != nil || n <= 0 || n > maxMonths {
			return 0, 0, fmt.Errorf("invalid month count %q", fields[0])
		}
		return 0, n, nil
	}
	d, err := parseHumanDuration(s)
	if err != nil {
		return 0, 0, err
	}
	if d <= 0 {
		return 0, 0, fmt.Errorf("interval must be positive")
	}
	return d, 0, nil
}

// Human delays and intervals are capped well inside time.Duration's
// range so num*unit cannot wrap.
const (
	maxHumanYears    = 100
	maxHumanDuration = maxHumanYears * 365 * 24 * time.Hour
	maxMonths        = maxHumanYears * 12
)

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}

	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", parts[0])
	}

	var unit time.Duration
	switch u := strings.ToLower(parts[1]); {
	case strings.HasPrefix(u, "second"):
		unit = time.Second
	case strings.HasPrefix(u, "minute"):
		unit = time.Minute
	case strings.HasPrefix(u, "hour"):
		unit = time.Hour
	case strings.HasPrefix(u, "day"):
		unit = 24 * time.Hour
	case strings.HasPrefix(u, "week"):
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown unit: %s", u)
	}
	if num > int(maxHumanDuration/unit) || num < -int(maxHumanDuration/unit) {
		return 0, fmt.Errorf("%d %s is too far out; the limit is %d years", num, parts[1], maxHumanYears)
	}
	return time.Duration(num) * unit, nil
}

func describeSchedule(s tasks.Schedule) string {
	switch s.Kind {
	case tasks.KindEvery:
		return "every " + s.Every.String()
	case tasks.KindMonthly:
		if s.Months == 12 {
			return "yearly"
		}
		return fmt.Sprintf("every %d month(s)", s.Months)
	case tasks.KindCron:
		return "cron " + s.Cron
	default:
		return string(s.Kind)
	}
}
