package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calremind/internal/refresh"
)

type countingRefresher struct {
	calls   atomic.Int32
	panicOn int32
	block   chan struct{}
}

func (r *countingRefresher) FullRefresh(context.Context) (refresh.Result, error) {
	n := r.calls.Add(1)
	if r.block != nil {
		<-r.block
	}
	if n == r.panicOn {
		panic("refresh exploded")
	}
	return refresh.Result{}, errors.New("calendar unavailable")
}

type fakePruner struct {
	mu   sync.Mutex
	days []int
}

func (p *fakePruner) ClearExpiredSnoozes(context.Context) (int, error) { return 2, nil }

func (p *fakePruner) CleanupOlderThan(_ context.Context, days int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = append(p.days, days)
	return 0, errors.New("disk full")
}

func start(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestInitialRefreshAndNotify(t *testing.T) {
	r := &countingRefresher{}
	s, err := New(r, &fakePruner{}, Config{})
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Notify()
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotifyCoalesces(t *testing.T) {
	r := &countingRefresher{block: make(chan struct{})}
	s, err := New(r, &fakePruner{}, Config{})
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 10; i++ {
		s.Notify()
	}
	close(r.block)

	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestNotifyAt(t *testing.T) {
	r := &countingRefresher{}
	s, err := New(r, &fakePruner{}, Config{})
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.NotifyAt(time.Now().Add(30 * time.Millisecond))
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPanickingRefreshDoesNotStopLoop(t *testing.T) {
	r := &countingRefresher{panicOn: 1}
	s, err := New(r, &fakePruner{}, Config{})
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Notify()
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPruneSwallowsErrorsAndDefaultsRetention(t *testing.T) {
	p := &fakePruner{}
	s, err := New(&countingRefresher{}, p, Config{})
	require.NoError(t, err)

	s.Prune(context.Background())
	assert.Equal(t, []int{30}, p.days)
}

func TestInvalidSpec(t *testing.T) {
	_, err := New(&countingRefresher{}, &fakePruner{}, Config{RefreshSpec: "every now and then"})
	require.Error(t, err)

	_, err = New(&countingRefresher{}, &fakePruner{}, Config{RefreshSpec: "@every 5m", PruneSpec: "0 3 * * *"})
	require.NoError(t, err)
}
