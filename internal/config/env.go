package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. CALREMIND_LISTEN.
const EnvPrefix = "CALREMIND"

// envOverrides lists the settings that may come from the environment.
// Unset variables leave the file value alone.
type envOverrides struct {
	Listen         string `envconfig:"LISTEN"`
	Timezone       string `envconfig:"TIMEZONE"`
	RefreshCron    string `envconfig:"REFRESH"`
	StorageDriver  string `envconfig:"STORAGE_DRIVER"`
	StoragePath    string `envconfig:"STORAGE_PATH"`
	PostgresDSN    string `envconfig:"POSTGRES_DSN"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogFormat      string `envconfig:"LOG_FORMAT"`
	SnoozeMinutes  int    `envconfig:"SNOOZE_MINUTES"`
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are named). Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays CALREMIND_* variables onto c and re-normalizes it.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	setString(&c.Listen, env.Listen)
	setString(&c.Timezone, env.Timezone)
	setString(&c.RefreshCron, env.RefreshCron)
	if env.StorageDriver != "" && env.StorageDriver != c.Storage.Driver && env.StoragePath == "" {
		// The old path belongs to the old driver.
		c.Storage.Path = ""
	}
	setString(&c.Storage.Driver, env.StorageDriver)
	setString(&c.Storage.Path, env.StoragePath)
	setString(&c.Storage.DSN, env.PostgresDSN)
	setString(&c.Log.Level, env.LogLevel)
	setString(&c.Log.Format, env.LogFormat)
	if env.SnoozeMinutes > 0 {
		c.SnoozeMinutes = env.SnoozeMinutes
	}

	if env.TelegramToken != "" || env.TelegramChatID != 0 {
		if c.Telegram == nil {
			c.Telegram = &TelegramConfig{}
		}
		setString(&c.Telegram.Token, env.TelegramToken)
		if env.TelegramChatID != 0 {
			c.Telegram.ChatID = env.TelegramChatID
		}
	}

	c.Normalize()
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
