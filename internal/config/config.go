// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"schooldata/internal/fetch"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Default values applied when a field is unset.
const (
	DefaultOutputFormat = "text"
	DefaultCacheTTL     = "720h"
	DefaultMaxRetries   = 3
)

// Config represents the application configuration
type Config struct {
	OutputFormat string                 `yaml:"output_format"`
	Cache        CacheConfig            `yaml:"cache"`
	HTTP         HTTPConfig             `yaml:"http"`
	States       map[string]StateConfig `yaml:"states"`
}

// CacheConfig holds local cache settings
type CacheConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`
	TTL     string `yaml:"ttl"` // e.g., "720h", "0" disables expiry
}

// HTTPConfig holds download settings
type HTTPConfig struct {
	MaxRetries   *int   `yaml:"max_retries"`
	BaseDelay    string `yaml:"base_delay"`
	MaxDelay     string `yaml:"max_delay"`
	Timeout      string `yaml:"timeout"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// StateConfig holds per-state overrides
type StateConfig struct {
	URLTemplate string `yaml:"url_template"`
	MaxYear     int    `yaml:"max_year"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		OutputFormat: DefaultOutputFormat,
		Cache: CacheConfig{
			Path: filepath.Join(GetCacheDir(), "enrollment.db"),
			TTL:  DefaultCacheTTL,
		},
		States: map[string]StateConfig{},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it writes the sample config and returns defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(GetCacheDir(), "enrollment.db")
	} else {
		cfg.Cache.Path = ExpandPath(cfg.Cache.Path)
	}
	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = DefaultCacheTTL
	}

	// Normalise state keys so lookups are case-insensitive.
	states := make(map[string]StateConfig, len(cfg.States))
	for code, sc := range cfg.States {
		states[strings.ToLower(code)] = sc
	}
	cfg.States = states

	return cfg, nil
}

// save writes the sample configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. When knownStates is
// non-empty, state overrides must name one of them.
func (c *Config) Validate(knownStates ...string) error {
	switch c.OutputFormat {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("invalid output_format: %q (must be 'text', 'json' or 'csv')", c.OutputFormat)
	}

	if _, err := parseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("invalid duration for cache.ttl: %q", c.Cache.TTL)
	}

	for _, d := range []struct {
		key, value string
	}{
		{"http.base_delay", c.HTTP.BaseDelay},
		{"http.max_delay", c.HTTP.MaxDelay},
		{"http.timeout", c.HTTP.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			return fmt.Errorf("invalid duration for %s: %q", d.key, d.value)
		}
	}

	if c.HTTP.MaxRetries != nil && *c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative, got %d", *c.HTTP.MaxRetries)
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must not be negative, got %d", c.HTTP.MaxBodyBytes)
	}

	if len(knownStates) > 0 {
		known := make(map[string]bool, len(knownStates))
		for _, s := range knownStates {
			known[strings.ToLower(s)] = true
		}
		for code, sc := range c.States {
			if !known[code] {
				return fmt.Errorf("unknown state in states: %q", code)
			}
			if sc.URLTemplate != "" && !strings.Contains(sc.URLTemplate, "{year}") && !strings.Contains(sc.URLTemplate, "{start}") {
				return fmt.Errorf("states.%s.url_template must contain {year} or {start}", code)
			}
		}
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noCache bool, outputFormat string) {
	if noCache {
		disabled := false
		c.Cache.Enabled = &disabled
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
}

// IsCacheEnabled returns true unless the cache is explicitly disabled.
func (c *Config) IsCacheEnabled() bool {
	if c.Cache.Enabled == nil {
		return true
	}
	return *c.Cache.Enabled
}

// GetCachePath returns the path to the SQLite cache database
func (c *Config) GetCachePath() string {
	return c.Cache.Path
}

// GetCacheTTL returns the cache TTL as a time.Duration.
// Returns 720h if unset or unparseable; 0 means never expire.
func (c *Config) GetCacheTTL() time.Duration {
	ttl := c.Cache.TTL
	if ttl == "" {
		ttl = DefaultCacheTTL
	}
	d, err := parseDuration(ttl)
	if err != nil {
		d, _ = time.ParseDuration(DefaultCacheTTL)
	}
	return d
}

// State returns the overrides for a state code (case-insensitive).
func (c *Config) State(code string) StateConfig {
	return c.States[strings.ToLower(code)]
}

// FetchConfig builds the download client configuration.
func (c *Config) FetchConfig() fetch.Config {
	fc := fetch.DefaultConfig()
	if c.HTTP.MaxRetries != nil {
		fc.MaxRetries = *c.HTTP.MaxRetries
	}
	if d, err := time.ParseDuration(c.HTTP.BaseDelay); err == nil && d > 0 {
		fc.BaseDelay = d
	}
	if d, err := time.ParseDuration(c.HTTP.MaxDelay); err == nil && d > 0 {
		fc.MaxDelay = d
	}
	if d, err := time.ParseDuration(c.HTTP.Timeout); err == nil && d > 0 {
		fc.Timeout = d
	}
	if c.HTTP.MaxBodyBytes > 0 {
		fc.MaxBodyBytes = c.HTTP.MaxBodyBytes
	}
	return fc
}

// parseDuration accepts Go durations and a bare "0".
func parseDuration(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "schooldata")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "schooldata")
	}
	return filepath.Join(home, fallbackPath, "schooldata")
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetCacheDir returns the cache directory following the XDG base directory layout
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
