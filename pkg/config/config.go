// Package config loads and validates the sinkhole's YAML configuration,
// and watches the config file to reload it on change.
package config

import (
	"fmt"
	"os"
	"time"

	"sinkhole/pkg/cache"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"
	"sinkhole/pkg/upstream"

	"gopkg.in/yaml.v3"
)

// Config is the root of the sinkhole's YAML configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Cache     CacheConfig      `yaml:"cache"`
	Blocklist BlocklistConfig  `yaml:"blocklist"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Forwarder ForwarderConfig  `yaml:"forwarder"`

	Sources map[string]SourceConfig `yaml:"sources"`
	Presets map[string]PresetConfig `yaml:"presets"`
	Update  UpdateConfig            `yaml:"update"`

	PolicyRules []RuleConfig  `yaml:"policy_rules"`
	Storage     StorageConfig `yaml:"storage"`
	HostDNS     HostDNSConfig `yaml:"hostdns"`
}

// RuleConfig describes one expr-lang boolean rule under `policy_rules:`.
type RuleConfig struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Enabled bool   `yaml:"enabled"`
}

// StorageConfig controls the optional query-log database.
type StorageConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"bufferSize"`
}

// HostDNSConfig controls whether the sinkhole redirects the host's
// system resolver to itself on startup.
type HostDNSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds the recognized server options from the query-path
// startup sequence: bind address, upstreams, and feature toggles.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Upstream       []string      `yaml:"upstream"`
	EnableCache    bool          `yaml:"enableCache"`
	EnableDatabase bool          `yaml:"enableDatabase"`
	MaxWorkers     int           `yaml:"maxWorkers"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	QueryTimeout   time.Duration `yaml:"queryTimeout"`
}

// CacheConfig mirrors cache.Config for YAML purposes; ToCacheConfig
// converts it to the type pkg/cache actually consumes.
type CacheConfig struct {
	MaxSize    int           `yaml:"maxSize"`
	MinTTL     time.Duration `yaml:"minTTL"`
	MaxTTL     time.Duration `yaml:"maxTTL"`
	ShardCount int           `yaml:"shardCount"`
}

// ToCacheConfig builds the pkg/cache.Config this YAML section describes.
func (c CacheConfig) ToCacheConfig(enabled bool) cache.Config {
	cfg := cache.Config{
		Enabled:    enabled,
		MaxEntries: c.MaxSize,
		MinTTL:     c.MinTTL,
		MaxTTL:     c.MaxTTL,
		ShardCount: c.ShardCount,
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}
	return cfg
}

// BlocklistConfig holds the artifact paths and update scheduling options
// read by the Matcher loader and Updater.
type BlocklistConfig struct {
	BlocklistFile   string        `yaml:"blocklistFile"`
	WhitelistFile   string        `yaml:"whitelistFile"`
	AutoUpdate      bool          `yaml:"autoUpdate"`
	UpdateInterval  time.Duration `yaml:"updateInterval"`
	UpdatePreset    string        `yaml:"updatePreset"`
	UpdateOnStartup bool          `yaml:"updateOnStartup"`
	CacheDir        string        `yaml:"cacheDir"`
	ExtraPatterns   []string      `yaml:"extraPatterns"`
}

// ForwarderConfig configures the upstream pool's retry and
// circuit-breaker behavior.
type ForwarderConfig struct {
	Timeout        time.Duration                 `yaml:"timeout"`
	Retries        int                           `yaml:"retries"`
	CircuitBreaker upstream.CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// SourceConfig describes one blocklist source under the `sources:` map.
type SourceConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Format  string `yaml:"format"` // hosts|domains|adblock
	Enabled bool   `yaml:"enabled"`
}

// PresetConfig names a group of sources under the `presets:` map.
type PresetConfig struct {
	Description string   `yaml:"description"`
	Sources     []string `yaml:"sources"`
}

// UpdateConfig controls the blocklist download/merge pipeline.
type UpdateConfig struct {
	Timeout         int  `yaml:"timeout"`
	IncludeComments bool `yaml:"include_comments"`
	Deduplicate     bool `yaml:"deduplicate"`
}

// Load reads and parses the YAML file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 53
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.MaxWorkers <= 0 {
		c.Server.MaxWorkers = 50
	}
	if c.Server.QueryTimeout <= 0 {
		c.Server.QueryTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = time.Second
	}
	if c.Blocklist.UpdateInterval <= 0 {
		c.Blocklist.UpdateInterval = 24 * time.Hour
	}
	if c.Blocklist.CacheDir == "" {
		c.Blocklist.CacheDir = "/var/cache/sinkhole"
	}
	if c.Update.Timeout <= 0 {
		c.Update.Timeout = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sinkhole"
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sinkhole/queries.db"
	}
	if c.Storage.BufferSize <= 0 {
		c.Storage.BufferSize = 1000
	}
}

// Validate reports a non-nil error when the config is structurally
// unusable (bad port, a preset referencing an unknown source ID).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxWorkers <= 0 {
		return fmt.Errorf("server.maxWorkers must be positive")
	}

	for name, preset := range c.Presets {
		for _, id := range preset.Sources {
			if _, ok := c.Sources[id]; !ok {
				return fmt.Errorf("preset %q references unknown source %q", name, id)
			}
		}
	}

	return nil
}
