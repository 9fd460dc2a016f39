// Package scheduler owns the background triggers: the periodic refresh,
// the periodic prune of the dismissal store, change signals and one-shot
// wakeups after a snooze.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calremind/internal/dismissal"
	appLog "calremind/internal/log"
	"calremind/internal/refresh"
)

// Refresher runs a reconciliation pass.
type Refresher interface {
	FullRefresh(ctx context.Context) (refresh.Result, error)
}

// Pruner trims the dismissal store.
type Pruner interface {
	ClearExpiredSnoozes(ctx context.Context) (int, error)
	CleanupOlderThan(ctx context.Context, days int) (int, error)
}

// Config holds cron specs in the standard five-field or descriptor form.
type Config struct {
	RefreshSpec   string
	PruneSpec     string
	RetentionDays int
	Location      *time.Location
}

// Scheduler serializes every background refresh through one loop. Errors
// and panics in background work are logged and dropped so the next
// trigger still runs.
type Scheduler struct {
	refresher Refresher
	pruner    Pruner
	cfg       Config
	cron      *cron.Cron
	notifyCh  chan struct{}

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// New validates the specs and registers the cron jobs.
func New(r Refresher, p Pruner, cfg Config) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = dismissal.DefaultRetentionDays
	}
	s := &Scheduler{
		refresher: r,
		pruner:    p,
		cfg:       cfg,
		notifyCh:  make(chan struct{}, 1),
		timers:    make(map[*time.Timer]struct{}),
	}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{})),
		cron.WithLogger(cronLogger{}),
	)

	if cfg.RefreshSpec != "" {
		if _, err := s.cron.AddFunc(cfg.RefreshSpec, s.Notify); err != nil {
			return nil, fmt.Errorf("scheduler: refresh spec %q: %w", cfg.RefreshSpec, err)
		}
	}
	if cfg.PruneSpec != "" {
		if _, err := s.cron.AddFunc(cfg.PruneSpec, func() { s.Prune(context.Background()) }); err != nil {
			return nil, fmt.Errorf("scheduler: prune spec %q: %w", cfg.PruneSpec, err)
		}
	}
	return s, nil
}

// Notify requests a refresh. Requests arriving while one is already
// queued collapse into it.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// NotifyAt requests a refresh at t.
func (s *Scheduler) NotifyAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(t), func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		s.Notify()
	})
	s.timers[timer] = struct{}{}
}

// Start runs an initial refresh, then serves triggers until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	appLog.Info("scheduler started", "refresh", s.cfg.RefreshSpec, "prune", s.cfg.PruneSpec)
	defer s.stop()

	s.runRefresh(ctx)
	for {
		select {
		case <-ctx.Done():
			appLog.Info("scheduler stopped")
			return
		case <-s.notifyCh:
			s.runRefresh(ctx)
		}
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("background refresh panicked", fmt.Errorf("%v", r))
		}
	}()
	// The coordinator has already logged the failure.
	_, _ = s.refresher.FullRefresh(ctx)
}

// Prune clears expired snoozes and entries past the retention window.
func (s *Scheduler) Prune(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("prune panicked", fmt.Errorf("%v", r))
		}
	}()

	snoozes, err := s.pruner.ClearExpiredSnoozes(ctx)
	if err != nil {
		appLog.Error("clearing expired snoozes failed", err)
	}
	old, err := s.pruner.CleanupOlderThan(ctx, s.cfg.RetentionDays)
	if err != nil {
		appLog.Error("dismissal cleanup failed", err)
	}
	appLog.Info("dismissals pruned", "expired_snoozes", snoozes, "aged_out", old)
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
