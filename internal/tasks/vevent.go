package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseVEVENT converts a minimal iCalendar VEVENT into a Schedule.
//
// DTSTART is required and may be UTC (trailing Z), carry a TZID
// parameter, be floating (interpreted in loc), or be a bare date.
// Without an RRULE the result is a one-time schedule. Supported RRULE
// parts are FREQ (MINUTELY, HOURLY, DAILY, WEEKLY, MONTHLY, YEARLY),
// INTERVAL, UNTIL and COUNT; anything else is rejected rather than
// silently ignored.
func ParseVEVENT(text string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}

	var start time.Time
	var rrule string
	for _, line := range unfold(text) {
		name, params, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "DTSTART":
			t, err := parseICalTime(value, params["TZID"], loc)
			if err != nil {
				return Schedule{}, fmt.Errorf("%w: DTSTART: %v", ErrInvalidSchedule, err)
			}
			start = t
		case "RRULE":
			rrule = value
		}
	}
	if start.IsZero() {
		return Schedule{}, fmt.Errorf("%w: VEVENT missing DTSTART", ErrInvalidSchedule)
	}
	if rrule == "" {
		return Schedule{Kind: KindOnce, At: start}, nil
	}

	parts := map[string]string{}
	for _, kv := range strings.Split(rrule, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Schedule{}, fmt.Errorf("%w: malformed RRULE part %q", ErrInvalidSchedule, kv)
		}
		parts[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	sched := Schedule{Anchor: start}
	interval := 1
	for k, v := range parts {
		switch k {
		case "FREQ":
		case "INTERVAL":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Schedule{}, fmt.Errorf("%w: INTERVAL %q", ErrInvalidSchedule, v)
			}
			interval = n
		case "COUNT":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return Schedule{}, fmt.Errorf("%w: COUNT %q", ErrInvalidSchedule, v)
			}
			sched.Count = n
		case "UNTIL":
			t, err := parseICalTime(v, "", loc)
			if err != nil {
				return Schedule{}, fmt.Errorf("%w: UNTIL: %v", ErrInvalidSchedule, err)
			}
			sched.Until = t
		case "WKST":
			// Only affects BYDAY expansion, which is not supported.
		default:
			return Schedule{}, fmt.Errorf("%w: unsupported RRULE part %s", ErrInvalidSchedule, k)
		}
	}

	switch strings.ToUpper(parts["FREQ"]) {
	case "MINUTELY":
		sched.Kind, sched.Every = KindEvery, time.Duration(interval)*time.Minute
	case "HOURLY":
		sched.Kind, sched.Every = KindEvery, time.Duration(interval)*time.Hour
	case "DAILY":
		sched.Kind, sched.Every = KindEvery, time.Duration(interval)*24*time.Hour
	case "WEEKLY":
		sched.Kind, sched.Every = KindEvery, time.Duration(interval)*7*24*time.Hour
	case "MONTHLY":
		sched.Kind, sched.Months = KindMonthly, interval
	case "YEARLY":
		sched.Kind, sched.Months = KindMonthly, 12*interval
	case "":
		return Schedule{}, fmt.Errorf("%w: RRULE missing FREQ", ErrInvalidSchedule)
	default:
		return Schedule{}, fmt.Errorf("%w: unsupported FREQ %q", ErrInvalidSchedule, parts["FREQ"])
	}

	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// unfold joins RFC 5545 continuation lines (those starting with a space
// or tab) onto the previous line.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		if (strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += raw[1:]
			continue
		}
		if s := strings.TrimSpace(raw); s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

// splitProperty splits "NAME;P1=V1;P2=V2:value".
func splitProperty(line string) (name string, params map[string]string, value string, ok bool) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, "", false
	}
	fields := strings.Split(head, ";")
	params = make(map[string]string, len(fields)-1)
	for _, p := range fields[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			params[strings.ToUpper(k)] = strings.Trim(v, `"`)
		}
	}
	return strings.ToUpper(fields[0]), params, strings.TrimSpace(value), true
}

func parseICalTime(value, tzid string, loc *time.Location) (time.Time, error) {
	if tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown TZID %q", tzid)
		}
		loc = l
	}

	if strings.HasSuffix(value, "Z") {
		for _, layout := range []string{"20060102T150405Z", "20060102T1504Z"} {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
		}
	}
	for _, layout := range []string{"20060102T150405", "20060102T1504", "20060102"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
