// Package app assembles the reconciliation engine, its stores and its
// delivery channels from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"calremind/internal/action"
	"calremind/internal/config"
	"calremind/internal/dismissal"
	"calremind/internal/firstrun"
	"calremind/internal/ics"
	"calremind/internal/kv"
	"calremind/internal/kv/pgkv"
	"calremind/internal/kv/sqlitekv"
	appLog "calremind/internal/log"
	"calremind/internal/notify"
	"calremind/internal/refresh"
	"calremind/internal/scheduler"
	"calremind/internal/telegram"
	"calremind/internal/tracker"
	"calremind/internal/web"
)

// App holds every wired component.
type App struct {
	Config   *config.Config
	Location *time.Location
	FirstRun time.Time

	Store       kv.Store
	Dismissals  *dismissal.Store
	Tracker     *tracker.Tracker
	Queue       *notify.Queue
	Coordinator *refresh.Coordinator
	Actions     *action.Handler
	Scheduler   *scheduler.Scheduler
	Server      *web.Server

	bot      *tgbotapi.BotAPI
	listener *telegram.Listener
}

type options struct {
	deliverer notify.Deliverer
	now       func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithDeliverer replaces the configured delivery channel.
func WithDeliverer(d notify.Deliverer) Option {
	return func(o *options) { o.deliverer = d }
}

// WithClock overrides the time source of the engine and action handler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// ConfigureLogging applies the log section of cfg to the process logger.
func ConfigureLogging(cfg config.LogConfig) {
	appLog.SetLevel(appLog.ParseLevel(cfg.Level))
	appLog.SetFormat(appLog.Format(cfg.Format))
}

// OpenStore opens the kv backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "memory":
		return kv.NewMemory(), nil
	case "file":
		return kv.NewFileStore(cfg.Path)
	case "sqlite":
		return sqlitekv.Open(cfg.Path)
	case "postgres":
		return pgkv.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Driver)
	}
}

// New validates cfg and wires the application. The caller owns the
// returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("app: open %s store: %w", cfg.Storage.Driver, err)
	}

	a := &App{Config: cfg, Location: loc, Store: store}
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	a.FirstRun, err = firstrun.Ensure(ctx, store, o.now())
	if err != nil {
		return nil, err
	}
	a.Dismissals = dismissal.New(store,
		dismissal.WithMaxBytes(cfg.DismissalMaxBytes),
		dismissal.WithClock(o.now),
	)
	a.Tracker = tracker.New(store)

	deliverer := o.deliverer
	if deliverer == nil {
		deliverer, err = a.telegramDeliverer()
		if err != nil {
			return nil, err
		}
	}
	a.Queue = notify.NewQueue(deliverer)

	provider := ics.NewProvider(ics.ProviderConfig{
		Sources:          sources(cfg.ICS),
		CacheDir:         cfg.CacheDir,
		Timeout:          time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		Location:         loc,
		DefaultReminders: cfg.DefaultReminders,
	})

	a.Coordinator = refresh.New(provider, a.Queue, a.Dismissals, a.Tracker, a.FirstRun,
		refresh.WithWindow(refresh.Window{
			Back:    time.Duration(cfg.WindowBackDays) * 24 * time.Hour,
			Forward: time.Duration(cfg.WindowForwardDays) * 24 * time.Hour,
		}),
		refresh.WithStaleAfter(time.Duration(cfg.StaleAfterHours)*time.Hour),
		refresh.WithLocation(loc),
		refresh.WithClock(o.now),
		refresh.WithLock(store, 0),
	)

	a.Scheduler, err = scheduler.New(a.Coordinator, a.Dismissals, scheduler.Config{
		RefreshSpec:   cfg.RefreshCron,
		PruneSpec:     cfg.PruneCron,
		RetentionDays: cfg.RetentionDays,
		Location:      loc,
	})
	if err != nil {
		return nil, err
	}

	a.Actions = action.NewHandler(a.Dismissals, a.Tracker, a.Queue,
		action.WithSnooze(time.Duration(cfg.SnoozeMinutes)*time.Minute),
		action.WithClock(o.now),
		action.WithRetrigger(a.Scheduler.NotifyAt),
	)

	if a.bot != nil {
		a.listener = telegram.NewListener(a.bot, cfg.Telegram.ChatID, a.Actions, loc)
	}

	a.Server = web.NewServer(cfg, web.Deps{
		Refresher:  a.Coordinator,
		Actions:    a.Actions,
		Dismissals: a.Dismissals,
		Tracker:    a.Tracker,
		Sink:       a.Queue,
		Changed:    a.Scheduler.Notify,
	})

	ok = true
	return a, nil
}

func (a *App) telegramDeliverer() (notify.Deliverer, error) {
	if a.Config.Telegram == nil {
		appLog.Info("telegram not configured; reminders go to the log")
		return notify.LogDeliverer{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(a.Config.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("app: telegram: %w", err)
	}
	appLog.Info("telegram authorized", "bot", bot.Self.UserName, "chat_id", a.Config.Telegram.ChatID)
	a.bot = bot
	return telegram.NewDeliverer(bot, a.Config.Telegram.ChatID, a.Store), nil
}

func sources(cfgs []config.ICSConfig) []ics.Source {
	out := make([]ics.Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, ics.Source{ID: c.ID, Name: c.Name, URL: c.URL})
	}
	return out
}

// Run serves the HTTP API, the scheduler and, when configured, the
// Telegram listener until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Server.Serve(ctx)
	})
	g.Go(func() error {
		a.Scheduler.Start(ctx)
		return nil
	})
	if a.listener != nil {
		g.Go(func() error {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 30
			u.AllowedUpdates = []string{"callback_query"}
			updates := a.bot.GetUpdatesChan(u)
			defer a.bot.StopReceivingUpdates()

			err := a.listener.Run(ctx, updates)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

// Close stops pending deliveries and releases the store.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Close()
	}
	return a.Store.Close()
}
