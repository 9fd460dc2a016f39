// Package refresh runs reconciliation passes: it pulls occurrences from the
// calendars, feeds them through the engine and cancels every notification
// that is no longer backed by a valid reminder.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/singleflight"

	"calremind/internal/dismissal"
	"calremind/internal/engine"
	"calremind/internal/identity"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
	"calremind/internal/tracker"
)

// ErrCalendarUnavailable aborts a pass without touching notifications.
var ErrCalendarUnavailable = errors.New("refresh: calendar unavailable")

// Calendars is the calendar collaborator.
type Calendars interface {
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]model.Occurrence, error)
}

// Locker hands out a named lock shared by every process on the same
// storage. kv.Store implementations satisfy it.
type Locker interface {
	Lock(ctx context.Context, name string) (release func(), err error)
}

const (
	// lockName is the Locker lock held for the length of a pass.
	lockName = "refresh"

	// DefaultLockWait bounds how long a pass waits for another process's
	// pass to finish.
	DefaultLockWait = 2 * time.Minute
)

// Window bounds the occurrences fetched per pass.
type Window struct {
	Back    time.Duration
	Forward time.Duration
}

// DefaultWindow is [now-1d, now+7d].
var DefaultWindow = Window{Back: 24 * time.Hour, Forward: 7 * 24 * time.Hour}

// Result summarizes one pass.
type Result struct {
	PassID    string        `json:"pass_id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Events    int           `json:"events"`
	Valid     int           `json:"valid"`
	Cancelled int           `json:"cancelled"`
	Stats     engine.Stats  `json:"stats"`
	Error     string        `json:"error,omitempty"`
}

// Coordinator serializes passes: a caller arriving while a pass is in
// flight waits for that pass and shares its result.
type Coordinator struct {
	calendars  Calendars
	sink       notify.Sink
	dismissals *dismissal.Store
	tracker    *tracker.Tracker
	firstRun   time.Time

	window     Window
	staleAfter time.Duration
	loc        *time.Location
	now        func() time.Time

	locker   Locker
	lockWait time.Duration

	group singleflight.Group

	mu   sync.Mutex
	last fn.Option[Result]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWindow overrides DefaultWindow.
func WithWindow(w Window) Option {
	return func(c *Coordinator) {
		if w.Back > 0 {
			c.window.Back = w.Back
		}
		if w.Forward > 0 {
			c.window.Forward = w.Forward
		}
	}
}

// WithStaleAfter overrides engine.DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.staleAfter = d }
}

// WithLocation sets the zone used for notification body text.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) { c.loc = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLock makes every pass hold the "refresh" lock from l, so passes in
// different processes over one store run one at a time. wait bounds the
// time spent queueing; zero means DefaultLockWait.
func WithLock(l Locker, wait time.Duration) Option {
	return func(c *Coordinator) {
		c.locker = l
		if wait > 0 {
			c.lockWait = wait
		}
	}
}

// New returns a Coordinator. firstRun is the recorded first-run instant.
func New(cals Calendars, sink notify.Sink, d *dismissal.Store, t *tracker.Tracker, firstRun time.Time, opts ...Option) *Coordinator {
	c := &Coordinator{
		calendars:  cals,
		sink:       sink,
		dismissals: d,
		tracker:    t,
		firstRun:   firstRun,
		window:     DefaultWindow,
		loc:        time.Local,
		now:        time.Now,
		lockWait:   DefaultLockWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FullRefresh runs one pass, or joins the pass already running. The pass
// itself is detached from ctx cancellation so a departing caller cannot
// leave it half done.
func (c *Coordinator) FullRefresh(ctx context.Context) (Result, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		return c.run(context.WithoutCancel(ctx))
	})
	res, _ := v.(Result)
	if shared {
		appLog.Debug("joined in-flight refresh", "pass_id", res.PassID)
	}
	return res, err
}

// LastResult returns the most recent completed pass, if any.
func (c *Coordinator) LastResult() fn.Option[Result] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) run(ctx context.Context) (Result, error) {
	res := Result{PassID: uuid.NewString(), Started: c.now()}

	if c.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
		release, err := c.locker.Lock(lockCtx, lockName)
		cancel()
		if err != nil {
			err = fmt.Errorf("refresh: acquire pass lock: %w", err)
			res.Error = err.Error()
			appLog.Error("refresh skipped", err, "pass_id", res.PassID)
			return res, err
		}
		defer release()
	}
	appLog.Info("refresh started", "pass_id", res.PassID)

	valid, stats := c.RefreshNotifications(ctx, res.PassID)
	res.Stats = stats
	res.Events = stats.Events

	var err error
	valid.WhenSome(func(keys fn.Set[identity.Key]) {
		res.Valid = len(keys)
		res.Cancelled, err = c.CancelOrphanedNotifications(ctx, keys, res.PassID)
	})
	if valid.IsNone() {
		err = ErrCalendarUnavailable
	}
	if err != nil {
		res.Error = err.Error()
	}
	res.Duration = c.now().Sub(res.Started)

	c.mu.Lock()
	c.last = fn.Some(res)
	c.mu.Unlock()

	if err != nil {
		appLog.Error("refresh failed", err, "pass_id", res.PassID)
		return res, err
	}
	appLog.Info("refresh completed", "pass_id", res.PassID, "events", res.Events,
		"valid", res.Valid, "cancelled", res.Cancelled, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// RefreshNotifications processes every occurrence in the window and
// returns the union of valid keys. None means the calendar list or the
// pending notifications could not be read, and nothing may be cancelled.
func (c *Coordinator) RefreshNotifications(ctx context.Context, passID string) (fn.Option[fn.Set[identity.Key]], engine.Stats) {
	now := c.now()

	cals, err := c.calendars.ListCalendars(ctx)
	if err != nil {
		appLog.Error("calendar list failed", err, "pass_id", passID)
		return fn.None[fn.Set[identity.Key]](), engine.Stats{}
	}

	pending, err := c.sink.ListPending(ctx)
	if err != nil {
		appLog.Error("pending notification list failed", err, "pass_id", passID)
		return fn.None[fn.Set[identity.Key]](), engine.Stats{}
	}
	pendingIDs := fn.NewSet[identity.NotificationID]()
	for _, p := range pending {
		pendingIDs.Add(p.ID)
	}

	pr := engine.NewProcessor(engine.Params{
		Dismissals: c.dismissals,
		Tracker:    c.tracker,
		Sink:       c.sink,
		Now:        now,
		FirstRun:   c.firstRun,
		Pending:    pendingIDs,
		Location:   c.loc,
		StaleAfter: c.staleAfter,
		PassID:     passID,
	})

	from, to := now.Add(-c.window.Back), now.Add(c.window.Forward)
	valid := fn.NewSet[identity.Key]()
	for _, cal := range cals {
		events, err := c.calendars.ListEvents(ctx, cal.ID, from, to)
		if err != nil {
			appLog.Error("calendar events failed; skipping calendar", err,
				"pass_id", passID, "calendar_id", cal.ID)
			continue
		}
		for _, o := range events {
			for k := range pr.ProcessEvent(ctx, o) {
				valid.Add(k)
			}
		}
	}

	return fn.Some(valid), pr.Stats()
}

// CancelOrphanedNotifications cancels every pending, shown or tracked
// notification whose ID is not derived from a valid key, then stores the
// valid set as the tracker's active set. Tracked keys whose cancel failed
// stay tracked so the next pass retries them.
func (c *Coordinator) CancelOrphanedNotifications(ctx context.Context, valid fn.Set[identity.Key], passID string) (int, error) {
	validIDs := fn.NewSet[identity.NotificationID]()
	for k := range valid {
		validIDs.Add(k.NotificationID())
	}

	cancelled := fn.NewSet[identity.NotificationID]()
	failed := fn.NewSet[identity.NotificationID]()
	cancel := func(id identity.NotificationID, reason string, kv ...any) {
		if validIDs.Contains(id) || cancelled.Contains(id) || failed.Contains(id) {
			return
		}
		logKV := append([]any{"pass_id", passID, "notification_id", id, "reason", reason}, kv...)
		if err := c.sink.Cancel(ctx, id); err != nil {
			failed.Add(id)
			appLog.Error("orphan cancel failed", err, logKV...)
			return
		}
		cancelled.Add(id)
		appLog.Info("orphan cancelled", logKV...)
	}

	pending, err := c.sink.ListPending(ctx)
	if err != nil {
		appLog.Error("pending notification list failed", err, "pass_id", passID)
	}
	for _, p := range pending {
		cancel(p.ID, "pending", "key", p.Key)
	}

	shown, err := c.sink.ListShown(ctx)
	if err != nil && !errors.Is(err, notify.ErrUnsupported) {
		appLog.Error("shown notification list failed", err, "pass_id", passID)
	}
	for _, s := range shown {
		cancel(s.ID, "shown")
	}

	active, err := c.tracker.GetAll(ctx)
	if err != nil {
		return len(cancelled), fmt.Errorf("refresh: read active set: %w", err)
	}
	next := fn.NewSet[identity.Key]()
	for k := range valid {
		next.Add(k)
	}
	for k := range active {
		if valid.Contains(k) {
			continue
		}
		id := k.NotificationID()
		cancel(id, "tracked", "key", k)
		if failed.Contains(id) {
			next.Add(k)
		}
	}

	if err := c.tracker.ReplaceAll(ctx, next); err != nil {
		return len(cancelled), fmt.Errorf("refresh: store active set: %w", err)
	}
	return len(cancelled), nil
}

// PreviewEvent is an occurrence with the keys its reminders map to.
type PreviewEvent struct {
	Occurrence model.Occurrence `json:"occurrence"`
	Keys       []identity.Key   `json:"keys"`
}

// Preview lists the occurrences a pass would see, without side effects.
func (c *Coordinator) Preview(ctx context.Context) ([]PreviewEvent, error) {
	now := c.now()
	cals, err := c.calendars.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
	}

	var out []PreviewEvent
	for _, cal := range cals {
		events, err := c.calendars.ListEvents(ctx, cal.ID, now.Add(-c.window.Back), now.Add(c.window.Forward))
		if err != nil {
			appLog.Error("calendar events failed; skipping calendar", err, "calendar_id", cal.ID)
			continue
		}
		for _, o := range events {
			pe := PreviewEvent{Occurrence: o}
			for _, m := range o.Reminders {
				pe.Keys = append(pe.Keys, identity.ReminderKey(o, m))
			}
			out = append(out, pe)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Occurrence.Start.Before(out[j].Occurrence.Start)
	})
	return out, nil
}
