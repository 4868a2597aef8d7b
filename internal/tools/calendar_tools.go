package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/calendar"
)

// CalendarService is the subset of *calendar.Client the calendar tools use.
type CalendarService interface {
	List(ctx context.Context, from time.Time, limit int, loc *time.Location) ([]calendar.Event, error)
	Create(ctx context.Context, e calendar.Event) (*calendar.Event, error)
	Delete(ctx context.Context, id string) error
}

type listEventsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of events, 1 to 50. Default 10."`
}

type createEventArgs struct {
	Summary     string `json:"summary" jsonschema:"Event title"`
	Start       string `json:"start" jsonschema:"Local start time, e.g. 2026-05-01T09:00"`
	End         string `json:"end,omitempty" jsonschema:"Local end time. Defaults to one hour after start."`
	Timezone    string `json:"timezone,omitempty" jsonschema:"IANA timezone of start and end, e.g. America/Chicago. Defaults to the assistant's timezone."`
	Description string `json:"description,omitempty" jsonschema:"Longer notes"`
	Location    string `json:"location,omitempty" jsonschema:"Where the event happens"`
}

type eventIDArgs struct {
	EventID string `json:"event_id" jsonschema:"Event id as shown by list_calendar_events"`
}

// eventLayouts are the local time forms create_calendar_event accepts.
var eventLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// RegisterCalendarTools adds list_calendar_events, create_calendar_event
// and delete_calendar_event. loc is the default timezone and now the
// clock; nil means time.Now.
func RegisterCalendarTools(r *Registry, cal CalendarService, loc *time.Location, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}

	if err := Add(r, "list_calendar_events", "List upcoming events from the calendar, soonest first.",
		func(ctx context.Context, _ Env, a listEventsArgs) (string, error) {
			if a.Limit == 0 {
				a.Limit = 10
			}
			if a.Limit < 1 || a.Limit > 50 {
				return "", Errorf(InvalidArguments, "limit must be between 1 and 50, got %d", a.Limit)
			}
			events, err := cal.List(ctx, now(), a.Limit, loc)
			if err != nil {
				return "", err
			}
			if len(events) == 0 {
				return "No upcoming events.", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Upcoming events (%d):", len(events))
			for _, e := range events {
				sb.WriteString("\n- ")
				if e.AllDay {
					sb.WriteString(e.Start.Format("Mon Jan 2") + " (all day)")
				} else {
					sb.WriteString(e.Start.In(loc).Format("Mon Jan 2 15:04 MST"))
				}
				fmt.Fprintf(&sb, ": %s", e.Summary)
				if e.Location != "" {
					fmt.Fprintf(&sb, " @ %s", e.Location)
				}
				fmt.Fprintf(&sb, " [id: %s]", e.ID)
			}
			return sb.String(), nil
		}); err != nil {
		return err
	}

	if err := Add(r, "create_calendar_event", "Add an event to the calendar.",
		func(ctx context.Context, _ Env, a createEventArgs) (string, error) {
			if strings.TrimSpace(a.Summary) == "" {
				return "", Errorf(InvalidArguments, "summary is required")
			}
			zone := loc
			if a.Timezone != "" {
				z, err := time.LoadLocation(a.Timezone)
				if err != nil {
					return "", Errorf(InvalidArguments, "unknown timezone %q", a.Timezone)
				}
				zone = z
			}
			start, err := parseEventTime(a.Start, zone)
			if err != nil {
				return "", Errorf(InvalidArguments, "start: %v", err)
			}
			end := start.Add(time.Hour)
			if a.End != "" {
				if end, err = parseEventTime(a.End, zone); err != nil {
					return "", Errorf(InvalidArguments, "end: %v", err)
				}
			}
			if !end.After(start) {
				return "", Errorf(InvalidArguments, "end %s is not after start %s", a.End, a.Start)
			}

			ev, err := cal.Create(ctx, calendar.Event{
				Summary:     a.Summary,
				Description: a.Description,
				Location:    a.Location,
				Start:       start,
				End:         end,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Created %q on %s [id: %s]", ev.Summary, ev.Start.In(zone).Format("Mon Jan 2 15:04 MST"), ev.ID), nil
		}); err != nil {
		return err
	}

	return Add(r, "delete_calendar_event", "Delete a calendar event by id.",
		func(ctx context.Context, _ Env, a eventIDArgs) (string, error) {
			if a.EventID == "" {
				return "", Errorf(InvalidArguments, "event_id is required")
			}
			err := cal.Delete(ctx, a.EventID)
			switch {
			case errors.Is(err, calendar.ErrNotFound):
				return "", Errorf(NotFound, "%v", err)
			case errors.Is(err, calendar.ErrInvalidID):
				return "", Errorf(InvalidArguments, "%v", err)
			case err != nil:
				return "", err
			}
			return "Deleted event " + a.EventID, nil
		})
}

func parseEventTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range eventLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q; use YYYY-MM-DDTHH:MM", s)
}
