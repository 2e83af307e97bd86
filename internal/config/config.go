package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectionConfig provisions one calendar collection at startup.
type CollectionConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	// Default marks the collection invitations land in. The first
	// collection of a user is the default when none is marked.
	Default bool `yaml:"default"`
}

// GrantConfig lets another user into the owner's calendars.
type GrantConfig struct {
	Delegate string `yaml:"delegate"`
	Write    bool   `yaml:"write"`
	// Private lets the delegate see private and confidential details.
	Private bool `yaml:"private"`
}

// UserConfig seeds one account.
type UserConfig struct {
	ID string `yaml:"id"`
	// PasswordHash is a bcrypt hash, e.g. from `htpasswd -nbB`.
	PasswordHash string             `yaml:"password_hash"`
	Addresses    []string           `yaml:"addresses"`
	Collections  []CollectionConfig `yaml:"collections"`
	Grants       []GrantConfig      `yaml:"grants"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type StorageConfig struct {
	// Driver is memory or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LedgerConfig struct {
	// Retention is how long sync history is kept. Older tokens expire.
	Retention time.Duration `yaml:"retention"`
	// CompactionCron schedules pruning, in five-field cron syntax. Empty
	// disables it.
	CompactionCron string `yaml:"compaction_cron"`
}

type RecurrenceConfig struct {
	CacheEnabled    bool          `yaml:"cache_enabled"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	MaxOccurrences  int           `yaml:"max_occurrences"`
}

// Config is the server configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// Prefix is where the CalDAV tree is mounted.
	Prefix string `yaml:"prefix"`
	Realm  string `yaml:"realm"`

	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Recurrence RecurrenceConfig `yaml:"recurrence"`

	// DefaultAlarmAgents are User-Agent substrings of clients that get a
	// placeholder alarm on components without one.
	DefaultAlarmAgents []string `yaml:"default_alarm_agents"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	Users []UserConfig `yaml:"users"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Prefix: "/caldav/",
		Realm:  "Caldora",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{Driver: "memory"},
		Ledger: LedgerConfig{
			Retention:      30 * 24 * time.Hour,
			CompactionCron: "17 3 * * *",
		},
		Recurrence: RecurrenceConfig{
			CacheEnabled:    true,
			CacheTTL:        15 * time.Minute,
			CacheMaxEntries: 1000,
			MaxOccurrences:  1000,
		},
		DefaultAlarmAgents: []string{"macOS", "iOS", "dataaccessd"},
		MetricsEnabled:     true,
	}
}

// Load reads path over the defaults and applies CALDORA_* environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s does not exist", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Listen = getenvDefault("CALDORA_LISTEN_ADDR", cfg.Listen)
	cfg.Prefix = getenvDefault("CALDORA_PREFIX", cfg.Prefix)
	cfg.Realm = getenvDefault("CALDORA_REALM", cfg.Realm)
	cfg.Log.Level = getenvDefault("CALDORA_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("CALDORA_LOG_FORMAT", cfg.Log.Format)
	cfg.Storage.Driver = getenvDefault("CALDORA_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = getenvDefault("CALDORA_DB_DSN", cfg.Storage.DSN)
	cfg.Ledger.CompactionCron = getenvDefault("CALDORA_COMPACTION_CRON", cfg.Ledger.CompactionCron)
	cfg.MetricsEnabled = getenvBool("CALDORA_METRICS_ENABLED", cfg.MetricsEnabled)
	if agents := getenvList("CALDORA_DEFAULT_ALARM_AGENTS"); agents != nil {
		cfg.DefaultAlarmAgents = agents
	}
	var err error
	if cfg.Ledger.Retention, err = getenvDuration("CALDORA_LEDGER_RETENTION", cfg.Ledger.Retention); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn (or CALDORA_DB_DSN) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Ledger.Retention <= 0 {
		return fmt.Errorf("ledger retention must be positive, got %s", c.Ledger.Retention)
	}

	seen := make(map[string]bool)
	collections := make(map[string]bool)
	for _, u := range c.Users {
		if u.ID == "" {
			return errors.New("user without id")
		}
		if seen[u.ID] {
			return fmt.Errorf("user %s is listed twice", u.ID)
		}
		seen[u.ID] = true
		if u.PasswordHash == "" {
			return fmt.Errorf("user %s has no password_hash", u.ID)
		}
		defaults := 0
		for _, col := range u.Collections {
			if col.ID == "" {
				return fmt.Errorf("user %s has a collection without id", u.ID)
			}
			if collections[col.ID] {
				return fmt.Errorf("collection %s is listed twice", col.ID)
			}
			collections[col.ID] = true
			if col.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("user %s has %d default collections", u.ID, defaults)
		}
	}
	for _, u := range c.Users {
		for _, g := range u.Grants {
			if !seen[g.Delegate] {
				return fmt.Errorf("user %s grants access to unknown user %q", u.ID, g.Delegate)
			}
		}
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
