// Package calendar reads and writes events in a single CalDAV calendar
// collection.
package calendar

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/nugget/chatty/internal/buildinfo"
	"github.com/nugget/chatty/internal/httpkit"
)

// ErrNotFound is returned when an event ID names no object.
var ErrNotFound = errors.New("event not found")

// ErrInvalidID is returned for IDs that are not a plain file name.
var ErrInvalidID = errors.New("invalid event id")

// Horizon bounds how far ahead List looks.
const Horizon = 365 * 24 * time.Hour

// Event is one VEVENT. ID is the object's file name inside the
// collection and is what Delete takes.
type Event struct {
	ID          string    `json:"event_id"`
	UID         string    `json:"uid,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitzero"`
	AllDay      bool      `json:"all_day,omitempty"`
}

// Client talks to one calendar collection.
type Client struct {
	dav  *caldav.Client
	home string // collection path, always with a trailing slash
}

// New creates a client for the collection at rawURL. Username may be
// empty for servers that need no authentication.
func New(rawURL, username, password string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("calendar url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("calendar url %q: need http(s) scheme and host", rawURL)
	}

	var hc webdav.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithRetry(2, time.Second),
	)
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}
	endpoint := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
	dav, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	home := u.Path
	if !strings.HasSuffix(home, "/") {
		home += "/"
	}
	return &Client{dav: dav, home: home}, nil
}

// List returns up to limit events overlapping [from, from+Horizon),
// earliest first. Times are reported in loc.
func (c *Client) List(ctx context.Context, from time.Time, limit int, loc *time.Location) ([]Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   from.Add(Horizon).UTC(),
			}},
		},
	}
	objs, err := c.dav.QueryCalendar(ctx, c.home, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var out []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			out = append(out, fromICal(path.Base(obj.Path), ev, loc))
		}
	}
	slices.SortStableFunc(out, func(a, b Event) int { return a.Start.Compare(b.Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func fromICal(id string, ev ical.Event, loc *time.Location) Event {
	e := Event{ID: id}
	e.UID, _ = ev.Props.Text(ical.PropUID)
	e.Summary, _ = ev.Props.Text(ical.PropSummary)
	e.Description, _ = ev.Props.Text(ical.PropDescription)
	e.Location, _ = ev.Props.Text(ical.PropLocation)
	e.Start, _ = ev.DateTimeStart(loc)
	e.End, _ = ev.DateTimeEnd(loc)
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		e.AllDay = true
	}
	e.Summary = cmp.Or(e.Summary, "(no title)")
	return e
}

// Create stores a new event and returns it with its ID and UID set.
func (c *Client) Create(ctx context.Context, e Event) (*Event, error) {
	if strings.TrimSpace(e.Summary) == "" {
		return nil, errors.New("summary is required")
	}
	if !e.End.After(e.Start) {
		return nil, errors.New("end must be after start")
	}

	// TZID must name a zone other clients can resolve.
	if e.Start.Location() == time.Local {
		e.Start, e.End = e.Start.UTC(), e.End.UTC()
	}
	e.UID = uuid.NewString()
	e.ID = e.UID + ".ics"

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, e.UID)
	ve.Props.SetText(ical.PropSummary, e.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End)
	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, buildinfo.ProductID())
	cal.Children = append(cal.Children, ve.Component)

	if _, err := c.dav.PutCalendarObject(ctx, c.home+e.ID, cal); err != nil {
		return nil, fmt.Errorf("put event: %w", err)
	}
	return &e, nil
}

// Delete removes the object named id.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	if err := c.dav.RemoveAll(ctx, c.home+id); err != nil {
		// go-webdav keeps its HTTP error type internal; its message
		// carries the status text.
		if strings.Contains(err.Error(), http.StatusText(http.StatusNotFound)) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// Ping checks that the collection answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.dav.Stat(ctx, c.home)
	return err
}
