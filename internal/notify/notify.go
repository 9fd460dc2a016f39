// Package notify defines the notification sink the engine talks to and a
// timer-backed implementation that hands due notifications to a Deliverer.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/action"
	"calremind/internal/identity"
)

// ErrUnsupported is returned by sinks that cannot perform an operation,
// typically ListShown.
var ErrUnsupported = errors.New("notify: operation not supported")

// Notification is one reminder to display.
type Notification struct {
	ID    identity.NotificationID
	Key   identity.Key
	Title string
	Body  string

	// Actions are offered as buttons; the first is the default (tap) action.
	Actions []action.Payload

	// At is the delivery instant. None means show now.
	At fn.Option[time.Time]
}

// Pending describes a scheduled notification not yet delivered.
type Pending struct {
	ID      identity.NotificationID `json:"id"`
	Key     identity.Key            `json:"key"`
	Title   string                  `json:"title"`
	Payload string                  `json:"payload"`
	At      time.Time               `json:"at"`
}

// Shown describes a notification currently on display.
type Shown struct {
	ID    identity.NotificationID `json:"id"`
	Title string                  `json:"title"`
}

// Sink creates and retracts notifications.
type Sink interface {
	Create(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id identity.NotificationID) error
	ListPending(ctx context.Context) ([]Pending, error)

	// ListShown may return ErrUnsupported.
	ListShown(ctx context.Context) ([]Shown, error)
}

// Deliverer puts a notification in front of the user and takes it away
// again.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
	Retract(ctx context.Context, id identity.NotificationID) error
}

// Actions returns the buttons offered on a reminder: open as the default,
// then snooze and dismiss.
func Actions(eventID string, key identity.Key, eventEnd time.Time) []action.Payload {
	kinds := []action.Kind{action.Open, action.Snooze, action.Dismiss}
	out := make([]action.Payload, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, action.Payload{
			Action:    k,
			EventID:   eventID,
			EventHash: key,
			EventEnd:  eventEnd,
		})
	}
	return out
}
