package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calremind/internal/log"
	"calremind/internal/model"
)

const defaultMaxOccurrencesPerEvent = 1000

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are expressed in. Defaults to
	// time.Local.
	Location *time.Location

	// From and To bound the window; occurrences overlapping it are kept.
	From time.Time
	To   time.Time

	// MaxOccurrencesPerEvent caps a single series.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into concrete occurrences overlapping the
// window. RRULE series honor EXDATE and RECURRENCE-ID overrides; cancelled
// events and cancelled instances are dropped.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, error) {
	if cfg.To.Before(cfg.From) {
		return nil, errors.New("ics: expand window ends before it starts")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	series := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else {
			series[ev.UID] = append(series[ev.UID], ev)
		}
	}

	out := make([]model.Occurrence, 0)
	for uid, bases := range series {
		for _, ev := range bases {
			if ev.Cancelled {
				continue
			}
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides[uid], cfg)...)
				continue
			}
			occ, capped := expandSeries(ev, overrides[uid], cfg)
			if capped {
				appLog.Info("recurrence truncated", "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	// Overrides whose series is missing from the feed still describe a
	// real instance.
	for uid, ovs := range overrides {
		if _, ok := series[uid]; ok {
			continue
		}
		for _, ov := range ovs {
			if !ov.Cancelled && overlaps(ov.Start, ov.End, cfg.From, cfg.To) {
				out = append(out, toOccurrence(ov, ov.Start, ov.End, cfg.Location))
			}
		}
	}
	return out, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Occurrence {
	start, end := ev.Start, ev.End
	if ov, ok := overrideFor(overrides, start); ok {
		if ov.Cancelled {
			return nil
		}
		ev, start, end = ov, ov.Start, ov.End
	}
	if !overlaps(start, end, cfg.From, cfg.To) {
		return nil
	}
	return []model.Occurrence{toOccurrence(ev, start, end, cfg.Location)}
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("rrule unreadable", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event length so an instance that started
	// before the window but is still running is included.
	length := ev.End.Sub(ev.Start)
	from := cfg.From.Add(-length).In(ev.Start.Location())
	to := cfg.To.In(ev.Start.Location())

	starts := set.Between(from, to, true)
	capped := len(starts) > cfg.MaxOccurrencesPerEvent
	if capped {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, s := range starts {
		inst, start := ev, instanceStart(ev, s)
		end := start.Add(length)
		if ov, ok := overrideFor(overrides, start); ok {
			if ov.Cancelled {
				continue
			}
			inst, start, end = ov, ov.Start, ov.End
		}
		if overlaps(start, end, cfg.From, cfg.To) {
			out = append(out, toOccurrence(inst, start, end, cfg.Location))
		}
	}

	// An instance whose original start lies outside the scanned range can
	// still have been moved into the window.
	for _, ov := range overrides {
		if ov.Cancelled || ov.Recurrence == nil {
			continue
		}
		rid := *ov.Recurrence
		if !rid.Before(from) && !rid.After(to) {
			continue
		}
		if !overlaps(ov.Start, ov.End, cfg.From, cfg.To) || !isInstance(&set, ev, rid) {
			continue
		}
		out = append(out, toOccurrence(ov, ov.Start, ov.End, cfg.Location))
	}
	return out, capped
}

// instanceStart is the start of the series instance generated at s.
func instanceStart(ev ParsedEvent, s time.Time) time.Time {
	if ev.AllDay {
		return floatingDate(s, s.Location())
	}
	return s
}

// isInstance reports whether the series generates an instance starting at
// rid, after EXDATEs.
func isInstance(set *rrule.Set, ev ParsedEvent, rid time.Time) bool {
	near := set.Between(rid.Add(-24*time.Hour), rid.Add(24*time.Hour), true)
	for _, s := range near {
		if instanceStart(ev, s).Equal(rid) {
			return true
		}
	}
	return false
}

// overrideFor finds the override whose RECURRENCE-ID equals start.
func overrideFor(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func toOccurrence(ev ParsedEvent, start, end time.Time, loc *time.Location) model.Occurrence {
	reminders := make([]int, len(ev.Reminders))
	copy(reminders, ev.Reminders)

	return model.Occurrence{
		CalendarID:  ev.Source.ID,
		EventID:     ev.UID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start.In(loc),
		End:         end.In(loc),
		Reminders:   reminders,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(aStart) {
		// Zero-length events count when their instant is inside the window.
		return !aStart.Before(bStart) && !aStart.After(bEnd)
	}
	return aEnd.After(bStart) && aStart.Before(bEnd)
}
