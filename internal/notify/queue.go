package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"calremind/internal/identity"
	appLog "calremind/internal/log"
)

type queued struct {
	n     Notification
	at    time.Time
	timer *time.Timer
}

// Queue is a Sink that keeps future notifications on timers and delivers
// them when due. Creating an ID that already exists replaces it. A
// notification already delivered with the same content is not delivered
// again until it is cancelled or its content changes.
type Queue struct {
	mu        sync.Mutex
	deliverer Deliverer
	pending   map[identity.NotificationID]*queued
	shown     map[identity.NotificationID]string
	now       func() time.Time
	closed    bool
}

// NewQueue returns a Queue delivering through d.
func NewQueue(d Deliverer) *Queue {
	return &Queue{
		deliverer: d,
		pending:   make(map[identity.NotificationID]*queued),
		shown:     make(map[identity.NotificationID]string),
		now:       time.Now,
	}
}

func content(n Notification) string {
	return n.Title + "\x00" + n.Body
}

// Create schedules n for n.At, or delivers it immediately when At is absent
// or not in the future.
func (q *Queue) Create(ctx context.Context, n Notification) error {
	at := n.At.UnwrapOr(time.Time{})
	now := q.now()

	q.mu.Lock()
	q.dropLocked(n.ID)

	if at.After(now) && !q.closed {
		delete(q.shown, n.ID)
		entry := &queued{n: n, at: at}
		entry.timer = time.AfterFunc(at.Sub(now), func() { q.fire(entry) })
		q.pending[n.ID] = entry
		q.mu.Unlock()

		appLog.Debug("notification queued", "notification_id", n.ID, "at", at.Format(time.RFC3339))
		return nil
	}
	if !q.claimLocked(n) {
		q.mu.Unlock()
		appLog.Debug("notification already shown", "notification_id", n.ID, "key", n.Key)
		return nil
	}
	q.mu.Unlock()

	return q.deliver(ctx, n)
}

func (q *Queue) fire(entry *queued) {
	q.mu.Lock()
	current, ok := q.pending[entry.n.ID]
	if !ok || current != entry {
		q.mu.Unlock()
		return
	}
	delete(q.pending, entry.n.ID)
	claimed := q.claimLocked(entry.n)
	q.mu.Unlock()

	if !claimed {
		return
	}
	if err := q.deliver(context.Background(), entry.n); err != nil {
		appLog.Error("scheduled delivery failed", err, "notification_id", entry.n.ID, "key", entry.n.Key)
	}
}

// claimLocked records n as shown and reports false when it already was,
// with the same content.
func (q *Queue) claimLocked(n Notification) bool {
	c := content(n)
	if prev, ok := q.shown[n.ID]; ok && prev == c {
		return false
	}
	q.shown[n.ID] = c
	return true
}

// deliver hands n to the deliverer, releasing the claim on failure so the
// next pass retries.
func (q *Queue) deliver(ctx context.Context, n Notification) error {
	err := q.deliverer.Deliver(ctx, n)
	if err != nil {
		q.mu.Lock()
		if q.shown[n.ID] == content(n) {
			delete(q.shown, n.ID)
		}
		q.mu.Unlock()
	}
	return err
}

func (q *Queue) dropLocked(id identity.NotificationID) {
	if entry, ok := q.pending[id]; ok {
		entry.timer.Stop()
		delete(q.pending, id)
	}
}

// Cancel removes a pending notification and retracts a delivered one.
func (q *Queue) Cancel(ctx context.Context, id identity.NotificationID) error {
	q.mu.Lock()
	q.dropLocked(id)
	delete(q.shown, id)
	q.mu.Unlock()

	return q.deliverer.Retract(ctx, id)
}

// ListPending returns scheduled notifications ordered by delivery time.
func (q *Queue) ListPending(context.Context) ([]Pending, error) {
	q.mu.Lock()
	out := make([]Pending, 0, len(q.pending))
	for _, entry := range q.pending {
		p := Pending{ID: entry.n.ID, Key: entry.n.Key, Title: entry.n.Title, At: entry.at}
		if len(entry.n.Actions) > 0 {
			p.Payload = entry.n.Actions[0].Encode()
		}
		out = append(out, p)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}

// ListShown asks the deliverer when it can enumerate what it displays.
func (q *Queue) ListShown(ctx context.Context) ([]Shown, error) {
	if lister, ok := q.deliverer.(interface {
		ListShown(context.Context) ([]Shown, error)
	}); ok {
		return lister.ListShown(ctx)
	}
	return nil, ErrUnsupported
}

// Close stops all timers. Pending notifications are dropped; the next
// refresh after a restart schedules them again.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id := range q.pending {
		q.dropLocked(id)
	}
	q.closed = true
}

// LogDeliverer only logs. It is the fallback when no transport is
// configured.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, n Notification) error {
	appLog.Info("notification shown", "notification_id", n.ID, "key", n.Key, "title", n.Title, "body", n.Body)
	return nil
}

func (LogDeliverer) Retract(_ context.Context, id identity.NotificationID) error {
	appLog.Info("notification retracted", "notification_id", id)
	return nil
}
