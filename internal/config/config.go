// Package config holds the plansync configuration file model. Values load
// from YAML, then environment variables override the secrets and paths.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	// Database is the SQLite file holding events, plans and the outbox.
	Database string `yaml:"database"`
	// TokenDir holds one token-<user>.json file per authenticated user.
	TokenDir string `yaml:"token_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ClientID and ClientSecret are usually supplied through
	// GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET instead.
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`

	// CalendarName, CalendarTimezone and CalendarDescription describe the
	// remote calendar created for each user.
	CalendarName        string `yaml:"calendar_name"`
	CalendarTimezone    string `yaml:"calendar_timezone"`
	CalendarDescription string `yaml:"calendar_description"`
	// DefaultTimezone interprets command line times given without an offset.
	DefaultTimezone string `yaml:"default_timezone"`

	// SyncWindowDays is how far back a full pass pulls remote events.
	SyncWindowDays int `yaml:"sync_window_days"`
	// FullSyncCron schedules full passes (five-field cron syntax).
	FullSyncCron string `yaml:"full_sync_cron"`
	// WorkerPollInterval is how often the outbox is scanned.
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`
	// LeaseTTL bounds how long one pass may hold an event.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// MaxAttempts and RetryBackoff bound retries of failed syncs.
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing or zero values with defaults.
func (c *Config) Normalize() {
	if c.Database == "" {
		c.Database = "plansync.db"
	}
	if c.TokenDir == "" {
		c.TokenDir = "."
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	if c.CalendarName == "" {
		c.CalendarName = "Academic Planner"
	}
	if c.CalendarTimezone == "" {
		c.CalendarTimezone = "Europe/Moscow"
	}
	if c.CalendarDescription == "" {
		c.CalendarDescription = "Lessons scheduled in plansync"
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = c.CalendarTimezone
	}
	if c.SyncWindowDays <= 0 {
		c.SyncWindowDays = 30
	}
	if c.FullSyncCron == "" {
		c.FullSyncCron = "* * * * *"
	}
	if c.WorkerPollInterval <= 0 {
		c.WorkerPollInterval = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
}

// ApplyEnv overrides fields from environment variables looked up with lookup,
// normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PLANSYNC_DB", &c.Database)
	set("PLANSYNC_TOKEN_DIR", &c.TokenDir)
	set("LOG_LEVEL", &c.LogLevel)
	set("GOOGLE_CLIENT_ID", &c.ClientID)
	set("GOOGLE_CLIENT_SECRET", &c.ClientSecret)
	c.Normalize()
}

// SyncWindow returns SyncWindowDays as a duration.
func (c *Config) SyncWindow() time.Duration {
	return time.Duration(c.SyncWindowDays) * 24 * time.Hour
}

// CalendarLocation resolves CalendarTimezone.
func (c *Config) CalendarLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CalendarTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar_timezone %q: %w", c.CalendarTimezone, err)
	}
	return loc, nil
}

// DefaultLocation resolves DefaultTimezone.
func (c *Config) DefaultLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid default_timezone %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// Load reads the YAML file at path. A missing file is created with the
// defaults and 0600 permissions.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions. Credentials
// are never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	out := *cfg
	out.ClientID, out.ClientSecret = "", ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".plansync-config-*.tmp")
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
