package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/dismissal"
	"calremind/internal/identity"
	"calremind/internal/kv"
	"calremind/internal/model"
	"calremind/internal/notify"
	"calremind/internal/tracker"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeCalendars struct {
	mu        sync.Mutex
	listErr   error
	events    map[string][]model.Occurrence
	failing   map[string]bool
	gate      chan struct{}
	inflight  int32
	maxFlight int32
	calls     int32
}

func (f *fakeCalendars) ListCalendars(context.Context) ([]model.Calendar, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	atomic.AddInt32(&f.calls, 1)
	for {
		old := atomic.LoadInt32(&f.maxFlight)
		if n <= old || atomic.CompareAndSwapInt32(&f.maxFlight, old, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.Calendar
	for id := range f.events {
		out = append(out, model.Calendar{ID: id, Name: id})
	}
	for id := range f.failing {
		out = append(out, model.Calendar{ID: id, Name: id})
	}
	return out, nil
}

func (f *fakeCalendars) ListEvents(_ context.Context, id string, from, to time.Time) ([]model.Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return nil, errors.New("calendar offline")
	}
	var out []model.Occurrence
	for _, o := range f.events[id] {
		if o.End.After(from) && o.Start.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeCalendars) set(id string, events ...model.Occurrence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = map[string][]model.Occurrence{}
	}
	f.events[id] = events
}

type fakeSink struct {
	mu        sync.Mutex
	pending   map[identity.NotificationID]notify.Pending
	shown     map[identity.NotificationID]notify.Shown
	cancels   []identity.NotificationID
	cancelErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		pending: map[identity.NotificationID]notify.Pending{},
		shown:   map[identity.NotificationID]notify.Shown{},
	}
}

func (s *fakeSink) Create(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.At.IsSome() {
		s.pending[n.ID] = notify.Pending{ID: n.ID, Key: n.Key, Title: n.Title}
		return nil
	}
	s.shown[n.ID] = notify.Shown{ID: n.ID, Title: n.Title}
	return nil
}

func (s *fakeSink) Cancel(_ context.Context, id identity.NotificationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, id)
	if s.cancelErr != nil {
		return s.cancelErr
	}
	delete(s.pending, id)
	delete(s.shown, id)
	return nil
}

func (s *fakeSink) ListPending(context.Context) ([]notify.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeSink) ListShown(context.Context) ([]notify.Shown, error) {
	return nil, notify.ErrUnsupported
}

func (s *fakeSink) cancelled() []identity.NotificationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]identity.NotificationID(nil), s.cancels...)
}

type harness struct {
	cals    *fakeCalendars
	sink    *fakeSink
	tracker *tracker.Tracker
	coord   *Coordinator
}

func newHarness() *harness {
	mem := kv.NewMemory()
	h := &harness{
		cals:    &fakeCalendars{},
		sink:    newFakeSink(),
		tracker: tracker.New(mem),
	}
	h.coord = New(h.cals, h.sink, dismissal.New(mem), h.tracker, now.Add(-72*time.Hour),
		WithClock(func() time.Time { return now }),
		WithLocation(time.UTC),
	)
	return h
}

func event(id string, start time.Time, reminders ...int) model.Occurrence {
	return model.Occurrence{
		CalendarID: "home",
		EventID:    id,
		Title:      "Event " + id,
		Start:      start,
		End:        start.Add(time.Hour),
		Reminders:  reminders,
	}
}

func TestCalendarFailureNeverCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	stray := identity.Key("7777777700000000000000000000000000000000")
	require.NoError(t, h.tracker.Add(ctx, stray))
	h.sink.pending[stray.NotificationID()] = notify.Pending{ID: stray.NotificationID()}
	h.cals.listErr = errors.New("permission revoked")

	res, err := h.coord.FullRefresh(ctx)
	require.ErrorIs(t, err, ErrCalendarUnavailable)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, h.sink.cancelled())

	active, err := h.tracker.GetAll(ctx)
	require.NoError(t, err)
	assert.True(t, active.Contains(stray))
}

func TestDeletedEventBecomesOrphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	o := event("a", now.Add(10*time.Minute), 15)
	key := identity.ReminderKey(o, 15)
	h.cals.set("home", o)

	_, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	active, err := h.tracker.GetAll(ctx)
	require.NoError(t, err)
	require.True(t, active.Contains(key))
	assert.Empty(t, h.sink.cancelled())

	h.cals.set("home")
	res, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, []identity.NotificationID{key.NotificationID()}, h.sink.cancelled())

	active, err = h.tracker.GetAll(ctx)
	require.NoError(t, err)
	assert.False(t, active.Contains(key))
}

func TestChangedEventReplacesNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	before := event("a", now.Add(2*time.Hour), 15)
	h.cals.set("home", before)
	_, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)

	after := before
	after.Location = "Moved to B"
	h.cals.set("home", after)
	_, err = h.coord.FullRefresh(ctx)
	require.NoError(t, err)

	oldID := identity.ReminderKey(before, 15).NotificationID()
	newID := identity.ReminderKey(after, 15).NotificationID()
	assert.Contains(t, h.sink.cancelled(), oldID)
	assert.NotContains(t, h.sink.cancelled(), newID)

	pending, err := h.sink.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newID, pending[0].ID)
}

func TestEmptyCalendarCancelsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	keys := []identity.Key{
		"1111111100000000000000000000000000000000",
		"2222222200000000000000000000000000000000",
	}
	require.NoError(t, h.tracker.ReplaceAll(ctx, fn.NewSet(keys...)))

	res, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)
	assert.ElementsMatch(t, []identity.NotificationID{keys[0].NotificationID(), keys[1].NotificationID()}, h.sink.cancelled())

	active, err := h.tracker.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFailingCalendarIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.cals.set("home", event("a", now.Add(time.Hour), 10))
	h.cals.failing = map[string]bool{"work": true}

	res, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 1, res.Valid)
}

func TestStrayPendingIsCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	o := event("a", now.Add(3*time.Hour), 30)
	h.cals.set("home", o)

	stray := identity.NotificationID(42)
	h.sink.pending[stray] = notify.Pending{ID: stray}

	_, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []identity.NotificationID{stray}, h.sink.cancelled())
}

func TestFailedCancelStaysTracked(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	gone := identity.Key("3333333300000000000000000000000000000000")
	require.NoError(t, h.tracker.Add(ctx, gone))
	h.sink.cancelErr = errors.New("transport down")

	res, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cancelled)

	active, err := h.tracker.GetAll(ctx)
	require.NoError(t, err)
	assert.True(t, active.Contains(gone))
}

func TestRepeatedPassDoesNotReschedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.cals.set("home", event("a", now.Add(5*time.Hour), 60))

	first, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	second, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.PassID, second.PassID)
	assert.Equal(t, 1, first.Stats.Decisions["scheduled"])
	assert.Equal(t, 1, second.Stats.Decisions["already_pending"])
	assert.Empty(t, h.sink.cancelled())
}

func TestConcurrentRefreshesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.cals.set("home", event("a", now.Add(time.Hour), 10))
	h.cals.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.FullRefresh(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(h.cals.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.cals.maxFlight))
	assert.Less(t, atomic.LoadInt32(&h.cals.calls), int32(len(results)))
}

func TestPassesAcrossProcessesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	cals := &fakeCalendars{gate: make(chan struct{})}
	cals.set("home", event("a", now.Add(time.Hour), 10))
	dir := t.TempDir()

	coords := make([]*Coordinator, 2)
	for i := range coords {
		store, err := kv.NewFileStore(dir)
		require.NoError(t, err)
		coords[i] = New(cals, newFakeSink(), dismissal.New(store), tracker.New(store), now.Add(-72*time.Hour),
			WithClock(func() time.Time { return now }),
			WithLocation(time.UTC),
			WithLock(store, 5*time.Second),
		)
	}

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			_, err := c.FullRefresh(ctx)
			assert.NoError(t, err)
		}(c)
	}

	time.Sleep(50 * time.Millisecond)
	close(cals.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cals.maxFlight))
	assert.Equal(t, int32(2), atomic.LoadInt32(&cals.calls))
}

func TestHeldPassLockFailsRefresh(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	release, err := mem.Lock(ctx, "refresh")
	require.NoError(t, err)
	defer release()

	cals := &fakeCalendars{}
	c := New(cals, newFakeSink(), dismissal.New(mem), tracker.New(mem), now.Add(-72*time.Hour),
		WithClock(func() time.Time { return now }),
		WithLock(mem, 20*time.Millisecond),
	)

	res, err := c.FullRefresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, atomic.LoadInt32(&cals.calls))
	assert.True(t, c.LastResult().IsNone())
}

func TestCancelledCallerDoesNotAbortPass(t *testing.T) {
	h := newHarness()
	h.cals.set("home", event("a", now.Add(time.Hour), 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coord.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Valid)
	assert.True(t, h.coord.LastResult().IsSome())
}

func TestPreview(t *testing.T) {
	h := newHarness()
	late := event("late", now.Add(3*time.Hour), 5, 10)
	early := event("early", now.Add(time.Hour), 5)
	far := event("far", now.Add(30*24*time.Hour), 5)
	h.cals.set("home", late, early, far)

	got, err := h.coord.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].Occurrence.EventID)
	assert.Len(t, got[1].Keys, 2)
	assert.Empty(t, h.sink.cancelled())
}
