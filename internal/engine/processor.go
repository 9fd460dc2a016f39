// Package engine decides, for one occurrence snapshot and one instant, which
// reminders to schedule, show or leave alone.
package engine

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/dismissal"
	"calremind/internal/identity"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
	"calremind/internal/tracker"
)

// DefaultStaleAfter is how long after its end an event is still processed.
const DefaultStaleAfter = 24 * time.Hour

// Creator is the part of the notification sink the engine needs.
type Creator interface {
	Create(ctx context.Context, n notify.Notification) error
}

// Decision is the terminal state of one reminder within a pass.
type Decision string

const (
	Stale          Decision = "stale"
	PreFirstRun    Decision = "pre_first_run"
	Dismissed      Decision = "dismissed"
	Snoozed        Decision = "snoozed"
	Scheduled      Decision = "scheduled"
	AlreadyPending Decision = "already_pending"
	Shown          Decision = "shown"
	Failed         Decision = "failed"
)

// Stats counts decisions over the lifetime of a Processor.
type Stats struct {
	Events   int `json:"events"`
	Rejected int `json:"rejected"`

	Decisions map[Decision]int `json:"decisions"`
}

// Params carries the per-pass inputs of a Processor.
type Params struct {
	Dismissals *dismissal.Store
	Tracker    *tracker.Tracker
	Sink       Creator

	Now      time.Time
	FirstRun time.Time

	// Pending holds IDs the sink already has scheduled.
	Pending fn.Set[identity.NotificationID]

	// Location decides calendar days for body text. Defaults to time.Local.
	Location *time.Location

	StaleAfter time.Duration
	PassID     string
}

// Processor is built fresh for every refresh pass and discarded after it.
type Processor struct {
	p     Params
	stats Stats
}

// NewProcessor fills defaults into p.
func NewProcessor(p Params) *Processor {
	if p.Location == nil {
		p.Location = time.Local
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = DefaultStaleAfter
	}
	if p.Pending == nil {
		p.Pending = fn.NewSet[identity.NotificationID]()
	}
	return &Processor{
		p:     p,
		stats: Stats{Decisions: make(map[Decision]int)},
	}
}

// Stats returns a copy of the counters.
func (pr *Processor) Stats() Stats {
	out := Stats{
		Events:    pr.stats.Events,
		Rejected:  pr.stats.Rejected,
		Decisions: make(map[Decision]int, len(pr.stats.Decisions)),
	}
	for k, v := range pr.stats.Decisions {
		out.Decisions[k] = v
	}
	return out
}

// ProcessEvent evaluates every reminder offset of o and returns the keys
// that should currently exist, including those dismissed, snoozed or
// already pending. Invalid or stale snapshots yield an empty set.
func (pr *Processor) ProcessEvent(ctx context.Context, o model.Occurrence) fn.Set[identity.Key] {
	valid := fn.NewSet[identity.Key]()
	pr.stats.Events++

	if !o.HasIdentity() || len(o.Reminders) == 0 {
		pr.stats.Rejected++
		return valid
	}

	now := pr.p.Now
	if o.End.Before(now.Add(-pr.p.StaleAfter)) {
		pr.stats.Decisions[Stale]++
		appLog.Debug("event stale", "pass_id", pr.p.PassID, "event_id", o.EventID,
			"end", o.End.Format(time.RFC3339))
		return valid
	}

	for _, minutes := range o.Reminders {
		key := identity.ReminderKey(o, minutes)
		valid.Add(key)

		d := pr.decide(ctx, o, key, minutes)
		pr.stats.Decisions[d]++
	}
	return valid
}

func (pr *Processor) decide(ctx context.Context, o model.Occurrence, key identity.Key, minutes int) Decision {
	now := pr.p.Now
	id := key.NotificationID()
	fireAt := o.Start.Add(-time.Duration(minutes) * time.Minute)

	logKV := []any{"pass_id", pr.p.PassID, "key", key, "notification_id", id,
		"event_id", o.EventID, "minutes", minutes}

	if !fireAt.After(pr.p.FirstRun) {
		appLog.Debug("reminder predates first run", logKV...)
		return PreFirstRun
	}

	dismissed, err := pr.p.Dismissals.IsDismissed(ctx, key)
	if err != nil {
		appLog.Error("dismissal lookup failed; treating as not dismissed", err, logKV...)
	}
	if dismissed {
		appLog.Debug("reminder dismissed", logKV...)
		return Dismissed
	}

	until, err := pr.p.Dismissals.SnoozedUntil(ctx, key)
	if err != nil {
		appLog.Error("snooze lookup failed; treating as not snoozed", err, logKV...)
	}
	if now.Before(until.UnwrapOr(time.Time{})) {
		appLog.Debug("reminder snoozed", logKV...)
		return Snoozed
	}

	n := notify.Notification{
		ID:      id,
		Key:     key,
		Title:   Title(o),
		Body:    FormatBody(o, fireAt, pr.p.Location),
		Actions: notify.Actions(o.EventID, key, o.End),
	}

	decision := Shown
	if fireAt.After(now) {
		if pr.p.Pending.Contains(id) {
			pr.track(ctx, key, logKV)
			appLog.Debug("reminder already pending", logKV...)
			return AlreadyPending
		}
		n.At = fn.Some(fireAt)
		decision = Scheduled
	}

	if err := pr.p.Sink.Create(ctx, n); err != nil {
		appLog.Error("notification create failed", err, logKV...)
		return Failed
	}
	if decision == Scheduled {
		pr.p.Pending.Add(id)
	}
	pr.track(ctx, key, logKV)

	appLog.Info("reminder "+string(decision), append(logKV, "fire_at", fireAt.Format(time.RFC3339))...)
	return decision
}

func (pr *Processor) track(ctx context.Context, key identity.Key, logKV []any) {
	if err := pr.p.Tracker.Add(ctx, key); err != nil {
		appLog.Error("tracker add failed", err, logKV...)
	}
}
