package tasks

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies how a schedule recurs.
type Kind string

const (
	// KindOnce fires a single time at Schedule.At.
	KindOnce Kind = "once"
	// KindEvery fires at Anchor + k·Every.
	KindEvery Kind = "every"
	// KindMonthly fires on Anchor's day of month every Months months,
	// clamped to the last day of shorter months.
	KindMonthly Kind = "monthly"
	// KindCron fires on a standard five-field cron expression.
	KindCron Kind = "cron"
)

// Schedule describes when a task is due. Which fields apply depends on
// Kind; Validate rejects combinations that do not make sense.
type Schedule struct {
	Kind   Kind          `json:"kind"`
	At     time.Time     `json:"at,omitzero"`
	Every  time.Duration `json:"every,omitempty"`
	Months int           `json:"months,omitempty"`
	Anchor time.Time     `json:"anchor,omitzero"`
	Cron   string        `json:"cron,omitempty"`
	// Until ends a recurring schedule: no occurrence after it fires.
	Until time.Time `json:"until,omitzero"`
	// Count ends a recurring schedule after that many completions.
	Count int `json:"count,omitempty"`
}

// Recurring reports whether the schedule can fire more than once.
func (s Schedule) Recurring() bool { return s.Kind != KindOnce }

// Validate checks the schedule is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return fmt.Errorf("%w: once schedule needs a time", ErrInvalidSchedule)
		}
		return nil
	case KindEvery:
		if s.Every <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSchedule, s.Every)
		}
		if s.Anchor.IsZero() {
			return fmt.Errorf("%w: interval schedule needs an anchor time", ErrInvalidSchedule)
		}
	case KindMonthly:
		if s.Months <= 0 {
			return fmt.Errorf("%w: month interval must be positive, got %d", ErrInvalidSchedule, s.Months)
		}
		if s.Anchor.IsZero() {
			return fmt.Errorf("%w: monthly schedule needs an anchor time", ErrInvalidSchedule)
		}
	case KindCron:
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Cron, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}

	if s.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidSchedule)
	}
	if !s.Until.IsZero() && !s.Anchor.IsZero() && s.Until.Before(s.Anchor) {
		return fmt.Errorf("%w: until %s is before anchor %s", ErrInvalidSchedule,
			s.Until.Format(time.RFC3339), s.Anchor.Format(time.RFC3339))
	}
	return nil
}

// First returns the first due instant. Cron schedules without an anchor
// start from now; loc is the zone cron fields are evaluated in.
func (s Schedule) First(now time.Time, loc *time.Location) (time.Time, error) {
	switch s.Kind {
	case KindOnce:
		return s.At, nil
	case KindEvery, KindMonthly:
		return s.Anchor, nil
	case KindCron:
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Cron, err)
		}
		base := now
		if !s.Anchor.IsZero() {
			base = s.Anchor
		}
		// Next is strictly after its argument; step back so an anchor
		// that itself matches is included.
		next := sched.Next(base.Add(-time.Nanosecond).In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidSchedule, s.Cron)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
}

// Next returns the first occurrence strictly after ref, skipping every
// missed occurrence in between. ok is false when the schedule has no
// further occurrence (one-time, past Until, or an impossible cron).
func (s Schedule) Next(ref time.Time, loc *time.Location) (next time.Time, ok bool) {
	switch s.Kind {
	case KindEvery:
		if ref.Before(s.Anchor) {
			next = s.Anchor
		} else {
			k := ref.Sub(s.Anchor)/s.Every + 1
			next = s.Anchor.Add(k * s.Every)
		}
	case KindMonthly:
		next = s.Anchor
		if !ref.Before(s.Anchor) {
			// Start close to ref and walk forward.
			elapsed := monthsBetween(s.Anchor, ref)
			k := max(elapsed/s.Months-1, 1)
			next = addMonths(s.Anchor, k*s.Months)
			for !next.After(ref) {
				k++
				next = addMonths(s.Anchor, k*s.Months)
			}
		}
	case KindCron:
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(ref.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}

	if !s.Until.IsZero() && next.After(s.Until) {
		return time.Time{}, false
	}
	return next, true
}

// addMonths moves t forward n calendar months keeping its day of month,
// clamped to the last day of the target month (Jan 31 + 1 = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

func monthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return (by-ay)*12 + int(bm-am)
}
