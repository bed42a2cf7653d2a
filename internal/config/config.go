// Package config loads agent configuration from a YAML file with
// STUDYSYNC_* environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full agent configuration.
type Config struct {
	// Listen is the session listener address the emulator notifies.
	Listen string `mapstructure:"listen"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`

	// WatchScreenshots and WatchSaves are the directories the emulator
	// writes artifacts to.
	WatchScreenshots []string `mapstructure:"watch_screenshots"`
	WatchSaves       []string `mapstructure:"watch_saves"`

	// HoldDir is the spool directory artifacts are moved into until
	// their upload is confirmed.
	HoldDir string `mapstructure:"hold_dir"`

	// TrimGamePrefix is stripped from game labels, typically the ROM
	// root path.
	TrimGamePrefix string `mapstructure:"trim_game_prefix"`

	// Remote service base URLs.
	IntakeURL     string `mapstructure:"intake_url"`
	ScreenshotURL string `mapstructure:"screenshot_url"`
	SaveURL       string `mapstructure:"save_url"`

	// LEDPath is the sysfs brightness file for the device LED. Empty
	// disables the LED.
	LEDPath string `mapstructure:"led_path"`

	// StatusAddr is the status server address. Empty disables it.
	StatusAddr string `mapstructure:"status_addr"`

	// Retry pacing for the sync engines.
	BackoffMin   time.Duration `mapstructure:"backoff_min"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ShutdownTimeout bounds how long a clean shutdown waits for the
	// engines to finish in-flight uploads.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// LogFile enables rotated file logging when set; empty logs to
	// stderr only.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from path (optional, "" skips the file) and
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", "127.0.0.1:8689")
	v.SetDefault("database_path", "studysync.db")
	v.SetDefault("hold_dir", "hold")
	v.SetDefault("status_addr", "127.0.0.1:8690")
	v.SetDefault("backoff_min", 5*time.Second)
	v.SetDefault("backoff_max", 5*time.Minute)
	v.SetDefault("poll_interval", time.Minute)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetEnvPrefix("STUDYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.IntakeURL == "" {
		return fmt.Errorf("intake_url is required")
	}
	if c.ScreenshotURL == "" {
		return fmt.Errorf("screenshot_url is required")
	}
	if c.SaveURL == "" {
		return fmt.Errorf("save_url is required")
	}
	if len(c.WatchScreenshots) == 0 && len(c.WatchSaves) == 0 {
		return fmt.Errorf("at least one watch directory is required")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("invalid backoff range %s..%s", c.BackoffMin, c.BackoffMax)
	}
	return nil
}
