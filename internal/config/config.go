package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"shelfsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Store        StoreConfig        `yaml:"store"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Entities     []models.Entity    `yaml:"entities"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type StoreConfig struct {
	Path        string                    `yaml:"path"`
	Driver      string                    `yaml:"driver"`
	BusyTimeout time.Duration             `yaml:"busy_timeout"`
	Collections []models.CollectionSchema `yaml:"collections"`
}

type RemoteConfig struct {
	BaseURL   string            `yaml:"base_url"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	UserAgent string            `yaml:"user_agent"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SyncConfig struct {
	Interval            time.Duration `yaml:"interval"`
	FullSyncInterval    time.Duration `yaml:"full_sync_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialDelay        time.Duration `yaml:"initial_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	DeadLetterExhausted bool          `yaml:"dead_letter_exhausted"`
	PullOverlap         time.Duration `yaml:"pull_overlap"`
	PullPageLimit       int           `yaml:"pull_page_limit"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	AssumeOnline  bool          `yaml:"assume_online"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	WakeChannel   string `yaml:"wake_channel"`
	TagSetKey     string `yaml:"tag_set_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Port      int             `yaml:"port"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// Load reads the YAML config at configPath, expanding ${VARS} from the environment
// (after loading .env when one exists).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be positive")
	}

	for _, col := range c.Store.Collections {
		if err := col.Validate(); err != nil {
			return err
		}
	}

	return ValidateEntities(c.Entities)
}

// ValidateEntities rejects duplicate or incomplete pull registrations.
func ValidateEntities(entities []models.Entity) error {
	names := make(map[string]bool)
	for _, e := range entities {
		if strings.TrimSpace(e.Name) == "" {
			return errors.New("entity name is required")
		}
		if strings.TrimSpace(e.Endpoint) == "" {
			return fmt.Errorf("entity '%s' has no endpoint", e.Name)
		}
		if names[e.Name] {
			return fmt.Errorf("duplicate entity found: %s", e.Name)
		}
		names[e.Name] = true
	}
	return nil
}

// UseEntities replaces the pull registrations, e.g. from a separate entities file.
func (c *Config) UseEntities(entities []models.Entity) error {
	if err := ValidateEntities(entities); err != nil {
		return err
	}
	c.Entities = entities
	c.resolveEndpoints()
	return nil
}

// resolveEndpoints makes relative entity endpoints absolute against remote.base_url.
func (c *Config) resolveEndpoints() {
	if c.Remote.BaseURL == "" {
		return
	}
	base := strings.TrimRight(c.Remote.BaseURL, "/")
	for i := range c.Entities {
		ep := c.Entities[i].Endpoint
		if ep != "" && !strings.Contains(ep, "://") {
			c.Entities[i].Endpoint = base + "/" + strings.TrimLeft(ep, "/")
		}
	}
}

// Collections returns the built-in collections overlaid with the configured ones.
func (c *Config) Collections() []models.CollectionSchema {
	return models.MergeCollections(models.DefaultCollections(), c.Store.Collections)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "shelfsync"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = 5 * time.Second
	}
	for i := range c.Store.Collections {
		if c.Store.Collections[i].Version == 0 {
			c.Store.Collections[i].Version = 1
		}
	}

	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = models.DefaultRequestTimeout
	}
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = "shelfsync/" + c.App.Version
	}
	if c.Remote.RateLimit.Burst <= 0 {
		c.Remote.RateLimit.Burst = 5
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.PullPageLimit == 0 {
		c.Sync.PullPageLimit = models.DefaultPullPageLimit
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = models.DefaultProbeInterval
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if c.Connectivity.ProbeURL == "" && c.Remote.BaseURL != "" {
		c.Connectivity.ProbeURL = strings.TrimRight(c.Remote.BaseURL, "/") + "/healthz"
	}

	c.resolveEndpoints()

	if c.Redis.WakeChannel == "" {
		c.Redis.WakeChannel = "shelfsync:wake"
	}
	if c.Redis.TagSetKey == "" {
		c.Redis.TagSetKey = "shelfsync:sync_tags"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "shelfsync:deadletter"
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 20
	}
	if c.API.RateLimit.Burst <= 0 {
		c.API.RateLimit.Burst = 5
	}
}
