package model

import "time"

// Calendar identifies one calendar the engine can query for occurrences.
type Calendar struct {
	ID   string
	Name string
}

// Occurrence is an immutable snapshot of a single concrete instance of a
// calendar event (after recurrence expansion), as seen at refresh time.
// The engine never mutates it.
type Occurrence struct {
	CalendarID string

	// EventID is the provider-assigned identifier. It is carried for
	// display and "open" actions only and never feeds the reminder key,
	// since providers may rewrite it without the occurrence changing.
	EventID string

	Title       string
	Description string
	Location    string

	AllDay bool

	Start time.Time
	End   time.Time

	// Reminders lists offsets in minutes before Start at which a
	// notification should fire.
	Reminders []int
}

// HasIdentity reports whether the snapshot carries enough data to be
// processed at all.
func (o Occurrence) HasIdentity() bool {
	return o.EventID != "" && !o.Start.IsZero() && !o.End.IsZero()
}
