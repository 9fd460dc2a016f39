package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"calremind/internal/action"
	"calremind/internal/app"
	"calremind/internal/config"
	"calremind/internal/identity"
	appLog "calremind/internal/log"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, HTTP API and Telegram listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := g.openApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			appLog.Info("calremind starting", "version", version, "first_run", a.FirstRun.UTC().Format(time.RFC3339))
			err = a.Run(ctx)
			appLog.Info("calremind exiting")
			return err
		},
	}
}

func newRefreshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one reconciliation pass and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Coordinator.FullRefresh(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newEventsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List upcoming occurrences and their reminder keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Coordinator.Preview(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "START\tCALENDAR\tTITLE\tREMINDER\tKEY")
			for _, e := range events {
				o := e.Occurrence
				start := o.Start.In(a.Location).Format("2006-01-02 15:04")
				if len(e.Keys) == 0 {
					fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\n", start, o.CalendarID, o.Title)
					continue
				}
				for i, k := range e.Keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%dm\t%s\n", start, o.CalendarID, o.Title, o.Reminders[i], k)
				}
			}
			return w.Flush()
		},
	}
}

type statusReport struct {
	FirstRun   time.Time      `json:"first_run"`
	Storage    string         `json:"storage"`
	Calendars  int            `json:"calendars"`
	Active     []identity.Key `json:"active"`
	Dismissed  int            `json:"dismissed"`
	Snoozed    int            `json:"snoozed"`
	Telegram   bool           `json:"telegram"`
	ListenAddr string         `json:"listen"`
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted engine state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := g.openApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.Tracker.GetAll(ctx)
			if err != nil {
				return err
			}
			all, err := a.Dismissals.All(ctx)
			if err != nil {
				return err
			}

			r := statusReport{
				FirstRun:   a.FirstRun.UTC(),
				Storage:    a.Config.Storage.Driver,
				Calendars:  len(a.Config.ICS),
				Active:     make([]identity.Key, 0, len(active)),
				Telegram:   a.Config.Telegram != nil,
				ListenAddr: a.Config.Listen,
			}
			for k := range active {
				r.Active = append(r.Active, k)
			}
			sort.Slice(r.Active, func(i, j int) bool { return r.Active[i] < r.Active[j] })
			for _, e := range all {
				if e.SnoozedUntil.IsSome() {
					r.Snoozed++
				} else {
					r.Dismissed++
				}
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

// keyArg validates the single reminder-key argument.
func keyArg(args []string) (identity.Key, error) {
	key := identity.Key(args[0])
	if !key.Valid() {
		return "", fmt.Errorf("malformed reminder key %q", args[0])
	}
	return key, nil
}

// eventEnd resolves the end of the occurrence behind key: the flag value
// when given, else a calendar lookup, else now.
func eventEnd(ctx context.Context, a *app.App, key identity.Key, flag string) (time.Time, error) {
	if flag != "" {
		t, err := time.Parse(time.RFC3339, flag)
		if err != nil {
			return time.Time{}, fmt.Errorf("--event-end: %w", err)
		}
		return t, nil
	}
	events, err := a.Coordinator.Preview(ctx)
	if err != nil {
		appLog.Error("calendar lookup failed; using now as event end", err, "key", key)
		return time.Now(), nil
	}
	for _, e := range events {
		for _, k := range e.Keys {
			if k == key {
				return e.Occurrence.End, nil
			}
		}
	}
	return time.Now(), nil
}

func applyAction(cmd *cobra.Command, g *globalFlags, kind action.Kind, key identity.Key, endFlag string, mutate func(*config.Config)) error {
	ctx := cmd.Context()
	a, err := g.openApp(ctx, mutate)
	if err != nil {
		return err
	}
	defer a.Close()

	end, err := eventEnd(ctx, a, key, endFlag)
	if err != nil {
		return err
	}
	out, err := a.Actions.Handle(ctx, action.Payload{Action: kind, EventHash: key, EventEnd: end})
	if err != nil {
		return err
	}
	if !out.Applied {
		return errors.New("action was not applied")
	}

	switch kind {
	case action.Snooze:
		fmt.Fprintf(cmd.OutOrStdout(), "snoozed %s until %s\n", key, out.SnoozedUntil.In(a.Location).Format(time.RFC3339))
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "dismissed %s\n", key)
	}
	return nil
}

func newDismissCmd(g *globalFlags) *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "dismiss <key>",
		Short: "Permanently silence one reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			return applyAction(cmd, g, action.Dismiss, key, end, nil)
		},
	}
	cmd.Flags().StringVar(&end, "event-end", "", "Event end (RFC 3339); looked up in the calendar when empty")
	return cmd
}

func newSnoozeCmd(g *globalFlags) *cobra.Command {
	var (
		end     string
		minutes int
	)
	cmd := &cobra.Command{
		Use:   "snooze <key>",
		Short: "Silence one reminder for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			return applyAction(cmd, g, action.Snooze, key, end, func(c *config.Config) {
				if minutes > 0 {
					c.SnoozeMinutes = minutes
				}
			})
		},
	}
	cmd.Flags().StringVar(&end, "event-end", "", "Event end (RFC 3339); looked up in the calendar when empty")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "Snooze length in minutes (default from config)")
	return cmd
}

func newUndismissCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "undismiss <key>",
		Short: "Forget a dismissal or snooze so the reminder can fire again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			a, err := g.openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Dismissals.Undismiss(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "undismissed %s\n", key)
			return nil
		},
	}
}

func newClearCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every dismissal and snooze",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Dismissals.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dismissals cleared")
			return nil
		},
	}
}

func newPruneCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired snoozes and old dismissals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Scheduler.Prune(cmd.Context())
			return nil
		},
	}
}
