package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/action"
	"calremind/internal/config"
	"calremind/internal/engine"
	"calremind/internal/identity"
	"calremind/internal/kv"
	"calremind/internal/notify"
)

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []notify.Notification
	retracted []identity.NotificationID
}

func (r *recordingDeliverer) Deliver(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, n)
	return nil
}

func (r *recordingDeliverer) Retract(_ context.Context, id identity.NotificationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retracted = append(r.retracted, id)
	return nil
}

func icsTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// writeFeed writes a one-event feed starting at start with the given
// alarm offsets in minutes.
func writeFeed(t *testing.T, path string, start time.Time, alarms ...int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calremind//test//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\nUID:review@example.com\r\nDTSTAMP:20260101T000000Z\r\n")
	fmt.Fprintf(&b, "DTSTART:%s\r\nDTEND:%s\r\n", icsTime(start), icsTime(start.Add(time.Hour)))
	b.WriteString("SUMMARY:Design review\r\n")
	for _, m := range alarms {
		fmt.Fprintf(&b, "BEGIN:VALARM\r\nACTION:DISPLAY\r\nTRIGGER:-PT%dM\r\nEND:VALARM\r\n", m)
	}
	b.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
}

func testConfig(t *testing.T, feed string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.ICS = []config.ICSConfig{{ID: "work", Name: "Work", URL: feed}}
	return cfg
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := []config.StorageConfig{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "state")},
		{Driver: "sqlite", Path: filepath.Join(dir, "db", "calremind.db")},
	}
	for _, c := range cases {
		t.Run(c.Driver, func(t *testing.T) {
			store, err := OpenStore(ctx, c)
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Put(ctx, "sample", []byte("1")))
			got, err := store.Get(ctx, "sample")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, kv.ErrNotFound)
		})
	}

	_, err := OpenStore(ctx, config.StorageConfig{Driver: "etcd"})
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "Nowhere/Special"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestReminderLifecycle(t *testing.T) {
	ctx := context.Background()
	feed := filepath.Join(t.TempDir(), "work.ics")
	start := time.Now().Add(2 * time.Hour).Truncate(time.Minute)
	// 30 minutes before start is still ahead; 150 minutes before start
	// predates the first run.
	writeFeed(t, feed, start, 30, 150)

	rec := &recordingDeliverer{}
	a, err := New(ctx, testConfig(t, feed), WithDeliverer(rec))
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Coordinator.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 1, res.Stats.Decisions[engine.Scheduled])
	assert.Equal(t, 1, res.Stats.Decisions[engine.PreFirstRun])

	pending, err := a.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Design review", pending[0].Title)

	p, err := action.Parse(pending[0].Payload, time.Now())
	require.NoError(t, err)
	require.Equal(t, action.Open, p.Action)
	p.Action = action.Dismiss

	out, err := a.Actions.Handle(ctx, p)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	pending, err = a.Queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = a.Coordinator.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Valid)
	assert.Equal(t, 1, res.Stats.Decisions[engine.Dismissed])
	assert.Zero(t, res.Stats.Decisions[engine.Scheduled])

	pending, err = a.Queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, rec.delivered)
}

func TestMovedEventReplacesReminder(t *testing.T) {
	ctx := context.Background()
	feed := filepath.Join(t.TempDir(), "work.ics")
	start := time.Now().Add(3 * time.Hour).Truncate(time.Minute)
	writeFeed(t, feed, start, 30)

	a, err := New(ctx, testConfig(t, feed), WithDeliverer(&recordingDeliverer{}))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Coordinator.FullRefresh(ctx)
	require.NoError(t, err)
	before, err := a.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	writeFeed(t, feed, start.Add(time.Hour), 30)
	res, err := a.Coordinator.FullRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)

	after, err := a.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].Key, after[0].Key)
	assert.True(t, after[0].At.After(before[0].At))
}

func TestFirstRunSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	feed := filepath.Join(t.TempDir(), "work.ics")
	writeFeed(t, feed, time.Now().Add(time.Hour), 10)

	cfg := testConfig(t, feed)
	cfg.Storage = config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}

	first, err := New(ctx, cfg, WithDeliverer(&recordingDeliverer{}))
	require.NoError(t, err)
	recorded := first.FirstRun
	require.NoError(t, first.Close())

	later := time.Now().Add(time.Hour)
	second, err := New(ctx, cfg, WithDeliverer(&recordingDeliverer{}), WithClock(func() time.Time { return later }))
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, recorded.Equal(second.FirstRun))
}
