package engine

import (
	"strings"
	"time"

	"calremind/internal/model"
)

const untitled = "(No title)"

// Title is the notification title for o.
func Title(o model.Occurrence) string {
	if t := strings.TrimSpace(o.Title); t != "" {
		return t
	}
	return untitled
}

// FormatBody renders the time line of a reminder firing at fireAt, followed
// by the location when there is one. The time range is prefixed with
// "Tomorrow, " when the event starts the calendar day after the reminder
// fires, and with the short date for any other day difference.
func FormatBody(o model.Occurrence, fireAt time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	start := o.Start.In(loc)

	span := "All day"
	if !o.AllDay {
		span = start.Format("15:04") + " - " + o.End.In(loc).Format("15:04")
	}

	var b strings.Builder
	switch dayDiff(fireAt.In(loc), start) {
	case 0:
	case 1:
		b.WriteString("Tomorrow, ")
	default:
		b.WriteString(start.Format("Jan 2"))
		b.WriteString(", ")
	}
	b.WriteString(span)

	if l := strings.TrimSpace(o.Location); l != "" {
		b.WriteString("\n")
		b.WriteString(l)
	}
	return b.String()
}

// dayDiff counts calendar days from a to b in their own wall clocks.
func dayDiff(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
