package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calremind/internal/log"
)

// ParsedEvent is one VEVENT before recurrence expansion.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	// Reminders are alarm offsets in minutes before Start. Negative values
	// fire after Start.
	Reminders []int

	Cancelled bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID of an overridden instance
}

// IsOverride reports whether the VEVENT replaces one instance of a series.
func (ev ParsedEvent) IsOverride() bool { return ev.Recurrence != nil }

// ParseICS parses one ICS payload. A VEVENT that cannot be understood is
// logged and skipped; only an unreadable calendar fails the whole payload.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	events := make([]ParsedEvent, 0)
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(src, ve, loc)
		if err != nil {
			appLog.Error("ics vevent skipped", err, "calendar_id", src.ID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parsed", "calendar_id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	uid := propValue(ve.GetProperty(ical.ComponentPropertyUniqueId))
	if uid == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid

	if n, err := strconv.Atoi(propValue(ve.GetProperty(ical.ComponentPropertySequence))); err == nil {
		out.Seq = n
	}
	out.Summary = propValue(ve.GetProperty(ical.ComponentPropertySummary))
	out.Description = propValue(ve.GetProperty(ical.ComponentPropertyDescription))
	out.Location = propValue(ve.GetProperty(ical.ComponentPropertyLocation))
	out.Cancelled = strings.EqualFold(propValue(ve.GetProperty("STATUS")), "CANCELLED")

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	start, err := ve.GetStartAt()
	if err != nil {
		if start, err = propTime(dtStart, loc); err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
	}
	out.Start = start

	end, err := ve.GetEndAt()
	switch {
	case err == nil && end.After(start):
		out.End = end
	case out.AllDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		// No DTEND: a zero-length event.
		out.End = start
	}
	if out.AllDay {
		out.Start = floatingDate(out.Start, loc)
		out.End = floatingDate(out.End, loc)
	}

	if rr := ve.GetProperty(ical.ComponentPropertyRrule); rr != nil {
		out.RawRRule = rr.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, paramTZ(p, loc)); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}
	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, err := propTime(rid, loc); err == nil {
			out.Recurrence = &t
		}
	}

	out.Reminders = parseAlarms(ve, out.Start, out.End)
	return out, nil
}

// parseAlarms collects the VALARM triggers of ve as minutes before start,
// deduplicated and ordered earliest reminder first.
func parseAlarms(ve *ical.VEvent, start, end time.Time) []int {
	seen := make(map[int]bool)
	var out []int

	for _, c := range ve.Components {
		alarm, ok := c.(*ical.VAlarm)
		if !ok {
			continue
		}
		trigger := alarm.GetProperty("TRIGGER")
		if trigger == nil {
			continue
		}
		minutes, err := triggerMinutes(trigger, start, end)
		if err != nil {
			appLog.Debug("alarm trigger ignored", "value", trigger.Value, "reason", err.Error())
			continue
		}
		if !seen[minutes] {
			seen[minutes] = true
			out = append(out, minutes)
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// triggerMinutes converts a TRIGGER into minutes before start. Relative
// triggers may be anchored at the end with RELATED=END; absolute
// DATE-TIME triggers are measured against start directly.
func triggerMinutes(p *ical.IANAProperty, start, end time.Time) (int, error) {
	if v := firstParam(p, "VALUE"); strings.EqualFold(v, "DATE-TIME") {
		at, err := parseICSTime(p.Value, time.UTC)
		if err != nil {
			return 0, err
		}
		return int(start.Sub(at) / time.Minute), nil
	}

	d, err := parseDuration(p.Value)
	if err != nil {
		return 0, err
	}
	anchor := start
	if strings.EqualFold(firstParam(p, "RELATED"), "END") {
		anchor = end
	}
	return int(start.Sub(anchor.Add(d)) / time.Minute), nil
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration parses an RFC 5545 DURATION value such as -PT15M or P1DT2H.
func parseDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	m := durationPattern.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "-P" || v == "+P" || strings.HasSuffix(v, "T") {
		return 0, fmt.Errorf("bad duration %q", v)
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

func propValue(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

func firstParam(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func isDateValue(p *ical.IANAProperty) bool {
	return strings.EqualFold(firstParam(p, "VALUE"), "DATE") || !strings.Contains(p.Value, "T")
}

// paramTZ resolves the TZID parameter of p, falling back to loc.
func paramTZ(p *ical.IANAProperty, loc *time.Location) *time.Location {
	if tz := firstParam(p, "TZID"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			return l
		}
	}
	return loc
}

func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	return parseICSTime(p.Value, paramTZ(p, loc))
}

// parseICSTime parses DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// floatingDate pins an all-day date to midnight in loc.
func floatingDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
