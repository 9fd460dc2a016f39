package action

import (
	"context"
	"errors"
	"time"

	"calremind/internal/dismissal"
	"calremind/internal/identity"
	appLog "calremind/internal/log"
	"calremind/internal/tracker"
)

// DefaultSnooze is how long a snooze suppresses a reminder.
const DefaultSnooze = 15 * time.Minute

// Canceler removes a live notification.
type Canceler interface {
	Cancel(ctx context.Context, id identity.NotificationID) error
}

// Outcome describes what Handle did.
type Outcome struct {
	Payload Payload
	Applied bool

	// SnoozedUntil is set for snooze actions.
	SnoozedUntil time.Time
}

// Handler applies action payloads to the stores and the notification sink.
type Handler struct {
	dismissals *dismissal.Store
	tracker    *tracker.Tracker
	sink       Canceler
	snooze     time.Duration
	now        func() time.Time
	retrigger  func(at time.Time)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSnooze overrides DefaultSnooze.
func WithSnooze(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.snooze = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// WithRetrigger registers a callback asked to run a refresh at the given
// instant; used so a snoozed reminder reappears on time.
func WithRetrigger(f func(at time.Time)) HandlerOption {
	return func(h *Handler) {
		h.retrigger = f
	}
}

// NewHandler wires a Handler.
func NewHandler(d *dismissal.Store, t *tracker.Tracker, sink Canceler, opts ...HandlerOption) *Handler {
	h := &Handler{
		dismissals: d,
		tracker:    t,
		sink:       sink,
		snooze:     DefaultSnooze,
		now:        time.Now,
		retrigger:  func(time.Time) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRaw parses and applies a raw payload. Malformed payloads are a
// no-op: the returned Outcome has Applied=false and the error is nil.
func (h *Handler) HandleRaw(ctx context.Context, raw string) (Outcome, error) {
	p, err := Parse(raw, h.now())
	if err != nil {
		appLog.Info("ignoring action payload", "reason", err.Error())
		return Outcome{}, nil
	}
	return h.Handle(ctx, p)
}

// Handle applies p. Only persistence failures are returned; sink failures
// are logged since the next refresh reconciles them.
func (h *Handler) Handle(ctx context.Context, p Payload) (Outcome, error) {
	if err := p.validate(); err != nil {
		appLog.Info("ignoring action payload", "reason", err.Error())
		return Outcome{}, nil
	}

	out := Outcome{Payload: p}
	id := p.EventHash.NotificationID()

	switch p.Action {
	case Open:
		appLog.Info("notification opened", "key", p.EventHash, "event_id", p.EventID)
		out.Applied = true
		return out, nil

	case Dismiss:
		if err := h.dismissals.Dismiss(ctx, p.EventHash, p.EventEnd); err != nil {
			return out, err
		}
		appLog.Info("reminder dismissed", "key", p.EventHash, "notification_id", id)

	case Snooze:
		until := h.now().Add(h.snooze)
		if err := h.dismissals.Snooze(ctx, p.EventHash, p.EventEnd, until); err != nil {
			return out, err
		}
		out.SnoozedUntil = until
		appLog.Info("reminder snoozed", "key", p.EventHash, "notification_id", id,
			"until", until.Format(time.RFC3339))

	default:
		return out, errors.New("action: unreachable")
	}

	if err := h.sink.Cancel(ctx, id); err != nil {
		appLog.Error("cancel after action failed", err, "key", p.EventHash, "notification_id", id)
	}
	if err := h.tracker.Remove(ctx, p.EventHash); err != nil {
		appLog.Error("tracker update after action failed", err, "key", p.EventHash)
	}
	if p.Action == Snooze {
		h.retrigger(out.SnoozedUntil)
	}

	out.Applied = true
	return out, nil
}
