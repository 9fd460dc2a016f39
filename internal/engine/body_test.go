package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calremind/internal/model"
)

func TestFormatBody(t *testing.T) {
	eventStart := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	o := model.Occurrence{Start: eventStart, End: eventStart.Add(90 * time.Minute)}

	cases := []struct {
		name   string
		fireAt time.Time
		allDay bool
		want   string
	}{
		{"same day", eventStart.Add(-30 * time.Minute), false, "09:00 - 10:30"},
		{"day before", time.Date(2026, 4, 1, 21, 0, 0, 0, time.UTC), false, "Tomorrow, 09:00 - 10:30"},
		{"days before", time.Date(2026, 3, 29, 9, 0, 0, 0, time.UTC), false, "Apr 2, 09:00 - 10:30"},
		{"all day same day", eventStart, true, "All day"},
		{"all day tomorrow", eventStart.Add(-12 * time.Hour), true, "Tomorrow, All day"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			occ := o
			occ.AllDay = tc.allDay
			assert.Equal(t, tc.want, FormatBody(occ, tc.fireAt, time.UTC))
		})
	}
}

func TestFormatBodyUsesLocalCalendarDay(t *testing.T) {
	eventStart := time.Date(2026, 4, 2, 0, 30, 0, 0, time.UTC)
	o := model.Occurrence{Start: eventStart, End: eventStart.Add(time.Hour)}
	fireAt := time.Date(2026, 4, 1, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "Tomorrow, 00:30 - 01:30", FormatBody(o, fireAt, time.UTC))

	seoul := time.FixedZone("KST", 9*60*60)
	assert.Equal(t, "09:30 - 10:30", FormatBody(o, fireAt, seoul))
}

func TestFormatBodyAppendsLocation(t *testing.T) {
	eventStart := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	o := model.Occurrence{Start: eventStart, End: eventStart.Add(time.Hour), Location: "  Lab  "}
	assert.Equal(t, "09:00 - 10:00\nLab", FormatBody(o, eventStart, time.UTC))
}

func TestTitleFallback(t *testing.T) {
	assert.Equal(t, untitled, Title(model.Occurrence{Title: "   "}))
	assert.Equal(t, "Review", Title(model.Occurrence{Title: "Review"}))
}
