package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anurse/pkgsearch/configs"
)

// isolate points the user config lookup at an empty temp dir so a developer's
// real ~/.config/pkgsearch/config.yaml never leaks into tests.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	return xdg
}

// =============================================================================
// Defaults
// =============================================================================

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)
	assert.Contains(t, cfg.Paths.DataDir, ".pkgsearch")

	assert.Equal(t, "sqlite", cfg.Catalog.Driver)
	assert.Empty(t, cfg.Catalog.DSN)
	assert.True(t, cfg.Catalog.IncludePrerelease)

	assert.Equal(t, 1000, cfg.Search.MaxResults)
	assert.Equal(t, 2, cfg.Search.Fuzziness)
	assert.Equal(t, 256, cfg.Search.CacheSize)

	assert.Equal(t, "5m", cfg.Scheduler.Interval)
	assert.Equal(t, "10m", cfg.Scheduler.Timeout)
	assert.Empty(t, cfg.Scheduler.MetricsAddr)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "info", cfg.Server.LogLevel)

	require.NoError(t, cfg.Validate())
}

func TestConfig_DerivedPaths(t *testing.T) {
	cfg := NewConfig()
	cfg.Paths.DataDir = "/var/lib/pkgsearch"

	assert.Equal(t, filepath.Join("/var/lib/pkgsearch", "packages.bleve"), cfg.IndexPath())
	assert.Equal(t, filepath.Join("/var/lib/pkgsearch", "catalog.db"), cfg.CatalogDSN())

	cfg.Catalog.DSN = "file:other.db"
	assert.Equal(t, "file:other.db", cfg.CatalogDSN())
}

func TestConfig_DurationAccessors(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 5*time.Minute, cfg.SchedulerInterval())
	assert.Equal(t, 10*time.Minute, cfg.SchedulerTimeout())
}

// =============================================================================
// Loading
// =============================================================================

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	// Given: a directory with no pkgsearch.yaml
	isolate(t)
	tmpDir := t.TempDir()

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: defaults are returned without error
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Search, cfg.Search)
}

func TestLoad_ProjectFile_OverridesDefaults(t *testing.T) {
	// Given: a project config with overrides, including explicit false
	isolate(t)
	tmpDir := t.TempDir()
	content := `
paths:
  data_dir: /srv/pkgsearch
catalog:
  driver: postgres
  dsn: postgres://gallery@localhost/gallery?sslmode=disable
  include_prerelease: false
search:
  max_results: 50
  fuzziness: 0
scheduler:
  interval: 30s
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName), []byte(content), 0o644))

	// When: loading configuration
	cfg, err := Load(tmpDir)

	// Then: overrides are applied and untouched keys keep defaults
	require.NoError(t, err)
	assert.Equal(t, "/srv/pkgsearch", cfg.Paths.DataDir)
	assert.Equal(t, "postgres", cfg.Catalog.Driver)
	assert.False(t, cfg.Catalog.IncludePrerelease)
	assert.Equal(t, 50, cfg.Search.MaxResults)
	assert.Equal(t, 0, cfg.Search.Fuzziness)
	assert.Equal(t, 256, cfg.Search.CacheSize)
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval())
	assert.Equal(t, "10m", cfg.Scheduler.Timeout)
}

func TestLoad_UserThenProjectPrecedence(t *testing.T) {
	// Given: user config and project config both setting max_results
	xdg := isolate(t)
	userDir := filepath.Join(xdg, "pkgsearch")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"),
		[]byte("search:\n  max_results: 10\n  cache_size: 5\n"), 0o644))

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ProjectConfigName),
		[]byte("search:\n  max_results: 20\n"), 0o644))

	// When: loading
	cfg, err := Load(projectDir)

	// Then: project wins over user, user wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Search.MaxResults)
	assert.Equal(t, 5, cfg.Search.CacheSize)
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	isolate(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName),
		[]byte("paths:\n  data_dir: ~/.pkgsearch/data\n"), 0o644))

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".pkgsearch", "data"), cfg.Paths.DataDir)
}

func TestLoad_EmbeddedTemplate(t *testing.T) {
	// Given: the template written by `config init`
	isolate(t)
	t.Setenv("HOME", t.TempDir())
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName), []byte(configs.ConfigTemplate), 0o644))

	// When: loading it
	cfg, err := Load(tmpDir)

	// Then: it parses with every key known and matches the defaults
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Search, cfg.Search)
	assert.Equal(t, NewConfig().Scheduler, cfg.Scheduler)
}

func TestLoad_EmptyFile_KeepsDefaults(t *testing.T) {
	isolate(t)
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName), nil, 0o644))

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Search.MaxResults)
}

func TestLoad_UnknownKey_ReturnsError(t *testing.T) {
	// Given: a config with a typo'd key
	isolate(t)
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName),
		[]byte("search:\n  max_result: 10\n"), 0o644))

	// When: loading
	_, err := Load(tmpDir)

	// Then: the typo is reported
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	isolate(t)
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ProjectConfigName),
		[]byte("search: [unclosed"), 0o644))

	_, err := Load(tmpDir)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	// Given: env vars set
	isolate(t)
	t.Setenv("PKGSEARCH_DATA_DIR", "/tmp/pkgsearch-env")
	t.Setenv("PKGSEARCH_MAX_RESULTS", "7")
	t.Setenv("PKGSEARCH_FUZZINESS", "1")
	t.Setenv("PKGSEARCH_INCLUDE_PRERELEASE", "false")
	t.Setenv("PKGSEARCH_SCHEDULER_INTERVAL", "1m")
	t.Setenv("PKGSEARCH_METRICS_ADDR", ":9100")
	t.Setenv("PKGSEARCH_LOG_LEVEL", "debug")

	// When: loading
	cfg, err := Load(t.TempDir())

	// Then: env wins
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pkgsearch-env", cfg.Paths.DataDir)
	assert.Equal(t, 7, cfg.Search.MaxResults)
	assert.Equal(t, 1, cfg.Search.Fuzziness)
	assert.False(t, cfg.Catalog.IncludePrerelease)
	assert.Equal(t, time.Minute, cfg.SchedulerInterval())
	assert.Equal(t, ":9100", cfg.Scheduler.MetricsAddr)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestLoad_EnvOverride_BadNumber(t *testing.T) {
	isolate(t)
	t.Setenv("PKGSEARCH_MAX_RESULTS", "lots")

	_, err := Load(t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PKGSEARCH_MAX_RESULTS")
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.Paths.DataDir = " " }, "paths.data_dir"},
		{"unknown driver", func(c *Config) { c.Catalog.Driver = "mysql" }, "catalog.driver"},
		{"postgres without dsn", func(c *Config) { c.Catalog.Driver = "postgres" }, "catalog.dsn"},
		{"zero max results", func(c *Config) { c.Search.MaxResults = 0 }, "search.max_results"},
		{"fuzziness too high", func(c *Config) { c.Search.Fuzziness = 3 }, "search.fuzziness"},
		{"negative cache", func(c *Config) { c.Search.CacheSize = -1 }, "search.cache_size"},
		{"bad interval", func(c *Config) { c.Scheduler.Interval = "often" }, "scheduler.interval"},
		{"zero timeout", func(c *Config) { c.Scheduler.Timeout = "0s" }, "scheduler.timeout"},
		{"sse transport", func(c *Config) { c.Server.Transport = "sse" }, "server.transport"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "trace" }, "server.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// Writing and backups
// =============================================================================

func TestWriteYAML_RoundTrips(t *testing.T) {
	// Given: a customized config written to disk
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Search.MaxResults = 42
	cfg.Catalog.IncludePrerelease = false
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectConfigName)))

	// When: loading it back
	loaded, err := Load(dir)

	// Then: values survive
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Search.MaxResults)
	assert.False(t, loaded.Catalog.IncludePrerelease)
}

func TestBackupFile_MissingFile(t *testing.T) {
	path, err := BackupFile(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBackupFile_CopiesAndPrunes(t *testing.T) {
	// Given: a config file with more old backups than MaxBackups
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigName)
	require.NoError(t, os.WriteFile(path, []byte("search:\n  max_results: 3\n"), 0o644))
	for _, stamp := range []string{"20200101-000000.000", "20200102-000000.000", "20200103-000000.000", "20200104-000000.000"} {
		require.NoError(t, os.WriteFile(path+BackupSuffix+"."+stamp, []byte("old"), 0o644))
	}

	// When: backing up
	backup, err := BackupFile(path)

	// Then: the new backup holds the current content and only the newest are kept
	require.NoError(t, err)
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_results: 3")

	backups, err := ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, MaxBackups)
	assert.Equal(t, backup, backups[0])
	assert.NotContains(t, backups, path+BackupSuffix+".20200101-000000.000")
}
