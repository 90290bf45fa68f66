package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = "pkgsearch.yaml"

// Config represents the complete pkgsearch configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Catalog   CatalogConfig   `yaml:"catalog" json:"catalog"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// PathsConfig locates persisted state.
type PathsConfig struct {
	// DataDir holds packages.bleve/, index.metadata and index.lock.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// CatalogConfig selects the package catalog backend.
type CatalogConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the data source name passed to database/sql.
	// For sqlite an empty DSN means <data_dir>/catalog.db.
	DSN string `yaml:"dsn" json:"dsn"`
	// IncludePrerelease fetches prerelease versions when they are the latest.
	IncludePrerelease bool `yaml:"include_prerelease" json:"include_prerelease"`
}

// SearchConfig configures the query engine.
type SearchConfig struct {
	// MaxResults caps the number of keys a search returns.
	MaxResults int `yaml:"max_results" json:"max_results"`
	// Fuzziness is the maximum edit distance for fuzzy clauses (0-2).
	Fuzziness int `yaml:"fuzziness" json:"fuzziness"`
	// CacheSize is the number of cached result lists; 0 disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// SchedulerConfig configures the periodic index update job.
type SchedulerConfig struct {
	// Interval between update passes, e.g. "5m".
	Interval string `yaml:"interval" json:"interval"`
	// Timeout bounds a single update pass.
	Timeout string `yaml:"timeout" json:"timeout"`
	// MetricsAddr serves /metrics when non-empty, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Catalog: CatalogConfig{
			Driver:            "sqlite",
			DSN:               "",
			IncludePrerelease: true,
		},
		Search: SearchConfig{
			MaxResults: 1000,
			Fuzziness:  2,
			CacheSize:  256,
		},
		Scheduler: SchedulerConfig{
			Interval: "5m",
			Timeout:  "10m",
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
	}
}

// defaultDataDir returns ~/.pkgsearch/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pkgsearch", "data")
	}
	return filepath.Join(home, ".pkgsearch", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/pkgsearch/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/pkgsearch/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pkgsearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "pkgsearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "pkgsearch", "config.yaml")
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/pkgsearch/config.yaml)
//  3. Project config (pkgsearch.yaml in dir)
//  4. Environment variables (PKGSEARCH_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if projectPath := filepath.Join(dir, ProjectConfigName); fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML decodes a YAML file on top of the current values.
// Keys absent from the file keep their current value, so an explicit
// false or 0 in the file still overrides a default.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	parsed := *c
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	parsed.Paths.DataDir = expandHome(parsed.Paths.DataDir)
	*c = parsed
	return nil
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// applyEnvOverrides applies PKGSEARCH_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PKGSEARCH_DATA_DIR"); v != "" {
		c.Paths.DataDir = expandHome(v)
	}
	if v := os.Getenv("PKGSEARCH_CATALOG_DRIVER"); v != "" {
		c.Catalog.Driver = v
	}
	if v := os.Getenv("PKGSEARCH_CATALOG_DSN"); v != "" {
		c.Catalog.DSN = v
	}
	if v := os.Getenv("PKGSEARCH_INCLUDE_PRERELEASE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PKGSEARCH_INCLUDE_PRERELEASE: %w", err)
		}
		c.Catalog.IncludePrerelease = b
	}
	if v := os.Getenv("PKGSEARCH_MAX_RESULTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PKGSEARCH_MAX_RESULTS: %w", err)
		}
		c.Search.MaxResults = n
	}
	if v := os.Getenv("PKGSEARCH_FUZZINESS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PKGSEARCH_FUZZINESS: %w", err)
		}
		c.Search.Fuzziness = n
	}
	if v := os.Getenv("PKGSEARCH_SCHEDULER_INTERVAL"); v != "" {
		c.Scheduler.Interval = v
	}
	if v := os.Getenv("PKGSEARCH_SCHEDULER_TIMEOUT"); v != "" {
		c.Scheduler.Timeout = v
	}
	if v := os.Getenv("PKGSEARCH_METRICS_ADDR"); v != "" {
		c.Scheduler.MetricsAddr = v
	}
	if v := os.Getenv("PKGSEARCH_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("PKGSEARCH_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}

	switch strings.ToLower(c.Catalog.Driver) {
	case "sqlite":
	case "postgres":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("catalog.driver must be 'sqlite' or 'postgres', got %s", c.Catalog.Driver)
	}

	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Search.Fuzziness < 0 || c.Search.Fuzziness > 2 {
		return fmt.Errorf("search.fuzziness must be between 0 and 2, got %d", c.Search.Fuzziness)
	}
	if c.Search.CacheSize < 0 {
		return fmt.Errorf("search.cache_size must be non-negative, got %d", c.Search.CacheSize)
	}

	interval, err := time.ParseDuration(c.Scheduler.Interval)
	if err != nil || interval <= 0 {
		return fmt.Errorf("scheduler.interval must be a positive duration, got %q", c.Scheduler.Interval)
	}
	timeout, err := time.ParseDuration(c.Scheduler.Timeout)
	if err != nil || timeout <= 0 {
		return fmt.Errorf("scheduler.timeout must be a positive duration, got %q", c.Scheduler.Timeout)
	}

	if strings.ToLower(c.Server.Transport) != "stdio" {
		return fmt.Errorf("server.transport must be 'stdio', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// SchedulerInterval returns the parsed update interval.
// Call only on a validated config.
func (c *Config) SchedulerInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.Interval)
	return d
}

// SchedulerTimeout returns the parsed per-pass timeout.
func (c *Config) SchedulerTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.Timeout)
	return d
}

// IndexPath is the bleve index directory.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Paths.DataDir, "packages.bleve")
}

// CatalogDSN returns the configured DSN, defaulting sqlite to a file in the data dir.
func (c *Config) CatalogDSN() string {
	if c.Catalog.DSN == "" && strings.EqualFold(c.Catalog.Driver, "sqlite") {
		return filepath.Join(c.Paths.DataDir, "catalog.db")
	}
	return c.Catalog.DSN
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
