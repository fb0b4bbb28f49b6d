// Package config handles Supremus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/paths"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/supremus/config.yaml,
// /etc/supremus/config.yaml.
func DefaultSearchPaths() []string {
	candidates := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "supremus", "config.yaml"))
	}

	candidates = append(candidates, "/etc/supremus/config.yaml")
	return candidates
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Supremus configuration.
type Config struct {
	// DataDir is where the fallback snapshot, auth file and default
	// SQLite database live. Other paths may refer to it with the
	// "data:" prefix.
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Assistant AssistantConfig `yaml:"assistant"`
	Storage   StorageConfig   `yaml:"storage"`
	History   HistoryConfig   `yaml:"history"`
}

// AssistantConfig describes how the assistant presents itself.
type AssistantConfig struct {
	Name string `yaml:"name"`
	// SelfID is the assistant's own chat identifier, used to recognize
	// replies to and mentions of the assistant in groups.
	SelfID string `yaml:"self_id"`
	// TrainingFile is a markdown file, or a directory of them, prepended
	// to every prompt. It is re-read when it changes on disk.
	TrainingFile string `yaml:"training_file"`
	// RateLimitPerMinute caps replies per sender. Zero disables the cap.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// GenerateTimeout bounds each call to the generative service.
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	// GroupTrigger limits group replies to messages that mention the
	// assistant by name or by its numeric id. Empty means every group
	// message is answered.
	GroupTrigger string `yaml:"group_trigger"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// FallbackPath is the JSON snapshot used when no relational backend
	// is configured or reachable. Defaults to data:memory.json.
	FallbackPath   string           `yaml:"fallback_path"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
	MigrateWorkers int              `yaml:"migrate_workers"`
	Relational     RelationalConfig `yaml:"relational"`
}

// RelationalConfig configures the database/sql backend. An empty DSN
// means the relational backend is not configured.
type RelationalConfig struct {
	Driver          string        `yaml:"driver"` // sqlite3, sqlite or pgx
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

// HistoryConfig holds retention and context bounds.
type HistoryConfig struct {
	UserRetention  int `yaml:"user_retention"`
	GroupRetention int `yaml:"group_retention"`
	PrivateContext int `yaml:"private_context"`
	GroupContext   int `yaml:"group_context"`
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// relational backend.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.local/share/supremus"
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Assistant.Name == "" {
		c.Assistant.Name = "Supremus"
	}
	if c.Assistant.GenerateTimeout <= 0 {
		c.Assistant.GenerateTimeout = 60 * time.Second
	}

	if c.Storage.FallbackPath == "" {
		c.Storage.FallbackPath = "data:memory.json"
	}
	if c.Storage.ConnectTimeout <= 0 {
		c.Storage.ConnectTimeout = 10 * time.Second
	}
	if c.Storage.MigrateWorkers <= 0 {
		c.Storage.MigrateWorkers = 4
	}
	r := &c.Storage.Relational
	if r.Driver == "" {
		r.Driver = "sqlite3"
	}
	if r.MaxOpenConns <= 0 {
		r.MaxOpenConns = 10
	}
	if r.MaxIdleConns <= 0 {
		r.MaxIdleConns = 2
	}
	if r.ConnMaxIdleTime <= 0 {
		r.ConnMaxIdleTime = 5 * time.Minute
	}
	if r.AcquireTimeout <= 0 {
		r.AcquireTimeout = 5 * time.Second
	}

	h := &c.History
	if h.UserRetention <= 0 {
		h.UserRetention = 100
	}
	if h.GroupRetention <= 0 {
		h.GroupRetention = 500
	}
	if h.PrivateContext <= 0 {
		h.PrivateContext = 30
	}
	if h.GroupContext <= 0 {
		h.GroupContext = 20
	}

	c.resolvePaths()
}

// resolvePaths expands the "data:" prefix and ~ in every file location.
// A SQLite DSN is treated as a path; a PostgreSQL DSN is left alone.
func (c *Config) resolvePaths() {
	r := paths.New(map[string]string{"data": c.DataDir})
	c.Storage.FallbackPath = r.Resolve(c.Storage.FallbackPath)
	if c.Assistant.TrainingFile != "" {
		c.Assistant.TrainingFile = r.Resolve(c.Assistant.TrainingFile)
	}
	if c.Storage.Relational.Driver != "pgx" && c.Storage.Relational.DSN != "" {
		c.Storage.Relational.DSN = r.Resolve(c.Storage.Relational.DSN)
	}
}

// Validate checks the configuration for internal consistency and
// returns the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}

	switch c.Storage.Relational.Driver {
	case "sqlite3", "sqlite", "pgx":
	default:
		return fmt.Errorf("storage.relational.driver %q must be sqlite3, sqlite or pgx", c.Storage.Relational.Driver)
	}
	if c.Storage.Relational.MaxIdleConns > c.Storage.Relational.MaxOpenConns {
		return fmt.Errorf("storage.relational.max_idle_conns %d exceeds max_open_conns %d",
			c.Storage.Relational.MaxIdleConns, c.Storage.Relational.MaxOpenConns)
	}

	if c.Assistant.SelfID != "" {
		if _, err := chatid.NumericID(c.Assistant.SelfID); err != nil {
			return fmt.Errorf("assistant.self_id: %w", err)
		}
	}
	if c.Assistant.RateLimitPerMinute < 0 {
		return fmt.Errorf("assistant.rate_limit_per_minute must not be negative")
	}

	h := c.History
	if h.PrivateContext > h.UserRetention {
		return fmt.Errorf("history.private_context %d exceeds history.user_retention %d", h.PrivateContext, h.UserRetention)
	}
	if h.GroupContext > h.GroupRetention {
		return fmt.Errorf("history.group_context %d exceeds history.group_retention %d", h.GroupContext, h.GroupRetention)
	}
	return nil
}

// RelationalConfigured reports whether a relational DSN is set.
func (c *Config) RelationalConfigured() bool {
	return strings.TrimSpace(c.Storage.Relational.DSN) != ""
}
