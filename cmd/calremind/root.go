package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calremind/internal/app"
	"calremind/internal/config"
	appLog "calremind/internal/log"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envPath    string
	listen     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "calremind",
		Short: "Calendar reminder reconciliation daemon",
		Long: `calremind reads ICS calendars, schedules one notification per event
reminder and keeps the delivered set in step with the calendar: moved or
deleted events lose their reminders, dismissed ones stay quiet.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "/etc/calremind/config.yaml",
		"Path to config file (created with defaults if missing)")
	root.PersistentFlags().StringVar(&g.envPath, "env", ".env",
		"Path to a dotenv file with CALREMIND_* overrides")
	root.PersistentFlags().StringVar(&g.listen, "listen", "",
		"HTTP listen address (overrides config if set)")

	root.AddCommand(
		newServeCmd(g),
		newRefreshCmd(g),
		newEventsCmd(g),
		newStatusCmd(g),
		newDismissCmd(g),
		newSnoozeCmd(g),
		newUndismissCmd(g),
		newClearCmd(g),
		newPruneCmd(g),
	)
	return root
}

// loadConfig resolves the effective configuration: file, then dotenv and
// environment, then flags.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(g.envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if g.listen != "" {
		cfg.Listen = g.listen
	}
	app.ConfigureLogging(cfg.Log)
	return cfg, nil
}

// openApp loads the config and wires the application. mutate, if given,
// adjusts the config first.
func (g *globalFlags) openApp(ctx context.Context, mutate func(*config.Config)) (*app.App, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}

	appLog.Debug("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"storage", cfg.Storage.Driver,
		"ics_count", len(cfg.ICS),
		"telegram", cfg.Telegram != nil,
	)
	return app.New(ctx, cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
