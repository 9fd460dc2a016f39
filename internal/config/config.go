package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// ID is the calendar identity; it feeds reminder keys, so renaming it
	// re-issues every reminder of the feed.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// URL is an http(s) endpoint or a local path.
	URL string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is one of "file", "sqlite", "postgres" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	// Path is a directory for "file" and a database file for "sqlite".
	Path string `yaml:"path" json:"path"`
	DSN  string `yaml:"dsn,omitempty" json:"-"`
}

// TelegramConfig enables delivery to a Telegram chat.
type TelegramConfig struct {
	Token  string `yaml:"token" json:"-"`
	ChatID int64  `yaml:"chat_id" json:"chat_id"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for all-day events and body text.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron and PruneCron are cron schedules ("*/15 * * * *",
	// "@every 10m", "@daily").
	RefreshCron string `yaml:"refresh" json:"refresh"`
	PruneCron   string `yaml:"prune" json:"prune"`

	WindowBackDays    int `yaml:"window_back_days" json:"window_back_days"`
	WindowForwardDays int `yaml:"window_forward_days" json:"window_forward_days"`
	StaleAfterHours   int `yaml:"stale_after_hours" json:"stale_after_hours"`

	RetentionDays     int `yaml:"retention_days" json:"retention_days"`
	DismissalMaxBytes int `yaml:"dismissal_max_bytes" json:"dismissal_max_bytes"`
	SnoozeMinutes     int `yaml:"snooze_minutes" json:"snooze_minutes"`

	// DefaultReminders apply to events without alarms. Empty means such
	// events get no reminder.
	DefaultReminders []int `yaml:"default_reminders" json:"default_reminders"`

	ICS                 []ICSConfig `yaml:"ics" json:"ics"`
	CacheDir            string      `yaml:"cache_dir" json:"cache_dir"`
	FetchTimeoutSeconds int         `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Telegram *TelegramConfig `yaml:"telegram,omitempty" json:"telegram,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`

	Log LogConfig `yaml:"log" json:"log"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		DefaultReminders: []int{10},
		ICS:              []ICSConfig{},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing or invalid values so partially-filled
// configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.PruneCron == "" {
		c.PruneCron = "@daily"
	}
	if c.WindowBackDays <= 0 {
		c.WindowBackDays = 1
	}
	if c.WindowForwardDays <= 0 {
		c.WindowForwardDays = 7
	}
	if c.StaleAfterHours <= 0 {
		c.StaleAfterHours = 24
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.DismissalMaxBytes <= 0 {
		c.DismissalMaxBytes = 512 * 1024
	}
	if c.SnoozeMinutes <= 0 {
		c.SnoozeMinutes = 15
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/ics-cache"
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 15
	}
	switch c.Storage.Driver {
	case "file", "sqlite", "postgres", "memory":
	default:
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "sqlite":
			c.Storage.Path = "./var/calremind.db"
		case "file":
			c.Storage.Path = "./var/state"
		}
	}
	if c.Telegram != nil && c.Telegram.Token == "" {
		c.Telegram = nil
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format != "console" {
		c.Log.Format = "json"
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return errors.New("config: storage.dsn is required for postgres")
	}
	if c.Telegram != nil && c.Telegram.ChatID == 0 {
		return errors.New("config: telegram.chat_id is required with a token")
	}
	seen := make(map[string]bool)
	for _, s := range c.ICS {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("config: ics source %q needs id and url", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate ics id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, m := range c.DefaultReminders {
		if m < 0 {
			return fmt.Errorf("config: negative default reminder %d", m)
		}
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads the YAML config at path. When the file does not exist a
// default one is written there (0600) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		return cfg, Save(path, cfg)
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calremind-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
