package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anurse/pkgsearch/configs"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/store"
	"github.com/anurse/pkgsearch/pkg/version"
)

// setupTestEnv isolates HOME, the user config and the data directory, and
// returns a project directory for --dir.
func setupTestEnv(t *testing.T) (projectDir, dataDir string) {
	t.Helper()
	home := t.TempDir()
	dataDir = filepath.Join(home, "data")
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("PKGSEARCH_DATA_DIR", dataDir)
	t.Setenv("PKGSEARCH_CATALOG_DRIVER", "")
	t.Setenv("PKGSEARCH_CATALOG_DSN", "")
	t.Cleanup(resetLogging)
	return t.TempDir(), dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeCatalogFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configs.CatalogTemplate), 0o644))
	return path
}

type updateJSON struct {
	Fetched int  `json:"fetched"`
	Indexed int  `json:"indexed"`
	Rebuild bool `json:"rebuild"`
}

type searchJSON struct {
	Query   string `json:"query"`
	Total   int    `json:"total"`
	Results []struct {
		Key   int     `json:"key"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func runUpdateJSON(t *testing.T, args ...string) updateJSON {
	t.Helper()
	out, err := execute(t, append(args, "--json")...)
	require.NoError(t, err, out)
	var res updateJSON
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res
}

func runSearchJSON(t *testing.T, dir, query string) searchJSON {
	t.Helper()
	out, err := execute(t, "-C", dir, "search", query, "--format", "json")
	require.NoError(t, err, out)
	var res searchJSON
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res
}

// =============================================================================
// Root and version
// =============================================================================

func TestRootCmd_ShowsHelp(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "--help")

	require.NoError(t, err)
	for _, sub := range []string{"update", "search", "status", "serve", "catalog", "config", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCmd(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version.Version+"\n", out)

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "pkgsearch "))
}

// =============================================================================
// Update, search and status
// =============================================================================

func TestUpdateFromFile_ThenSearchAndStatus(t *testing.T) {
	// Given: an isolated environment and a catalog file
	dir, _ := setupTestEnv(t)
	file := writeCatalogFile(t)

	// When: running the first update
	res := runUpdateJSON(t, "-C", dir, "update", "--from", file)

	// Then: it rebuilds with the latest version of each package
	assert.True(t, res.Rebuild)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Indexed)

	// And: searches find the packages by id
	found := runSearchJSON(t, dir, "Newtonsoft.Json")
	require.NotEmpty(t, found.Results)
	assert.Equal(t, 1001, found.Results[0].Key)

	found = runSearchJSON(t, dir, "serilog")
	require.NotEmpty(t, found.Results)
	assert.Equal(t, 1003, found.Results[0].Key, "latest version including prereleases")

	// And: status reports two documents and a checkpoint
	out, err := execute(t, "-C", dir, "status", "--json")
	require.NoError(t, err, out)
	var st struct {
		Documents  uint64 `json:"documents"`
		Checkpoint string `json:"checkpoint"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, uint64(2), st.Documents)
	assert.NotEqual(t, "0001-01-01T00:00:00Z", st.Checkpoint)
}

func TestUpdate_SecondPassReplacesNothing(t *testing.T) {
	// Given: an index already built from a catalog file
	dir, _ := setupTestEnv(t)
	file := writeCatalogFile(t)
	runUpdateJSON(t, "-C", dir, "update", "--from", file)

	// When: updating again from the same catalog
	res := runUpdateJSON(t, "-C", dir, "update", "--from", file)

	// Then: nothing was published after the checkpoint
	assert.False(t, res.Rebuild)
	assert.Equal(t, 2, res.Fetched)
	assert.Zero(t, res.Indexed)
}

func TestUpdate_TextOutput(t *testing.T) {
	dir, _ := setupTestEnv(t)

	out, err := execute(t, "-C", dir, "update", "--from", writeCatalogFile(t))

	require.NoError(t, err)
	assert.Contains(t, out, "Index rebuild complete: 2 indexed of 2 fetched")
}

func TestUpdate_BadCatalogFile(t *testing.T) {
	dir, _ := setupTestEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("packages:\n  - id: A\n    key: 0\n"), 0o644))

	_, err := execute(t, "-C", dir, "update", "--from", path)

	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeInvalidInput, pkgerrors.GetCode(err))
}

func TestUpdate_JSONReportsErrorAsJSON(t *testing.T) {
	// Given: a catalog file with an invalid key
	dir, _ := setupTestEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("packages:\n  - id: A\n    key: 0\n"), 0o644))

	// When: updating with --json
	out, err := execute(t, "-C", dir, "update", "--from", path, "--json")

	// Then: stdout carries the coded error as JSON
	require.Error(t, err)
	var res struct {
		Error struct {
			Code      string `json:"code"`
			Category  string `json:"category"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, pkgerrors.ErrCodeInvalidInput, res.Error.Code)
	assert.Equal(t, "VALIDATION", res.Error.Category)
	assert.False(t, res.Error.Retryable)
}

func TestSearch_JSONReportsErrorAsJSON(t *testing.T) {
	dir, _ := setupTestEnv(t)

	out, err := execute(t, "-C", dir, "search", "json", "--format", "json", "--limit=-1")

	require.Error(t, err)
	assert.Contains(t, out, `"code":"ERR_401_INVALID_INPUT"`)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"fatal", pkgerrors.IndexCorruptionError("no key", nil), ExitFatal},
		{"config", pkgerrors.ConfigError("bad", nil), ExitUsage},
		{"validation", pkgerrors.ValidationError("bad", nil), ExitUsage},
		{"storage", pkgerrors.StorageError("disk", nil), ExitFailure},
		{"plain", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestFormatError_DebugShowsCause(t *testing.T) {
	err := pkgerrors.StorageError("apply batch", errors.New("disk full"))

	debugMode = false
	assert.NotContains(t, FormatError(err), "disk full")
	assert.Contains(t, FormatError(err), "Code: ERR_201_STORAGE")

	debugMode = true
	t.Cleanup(func() { debugMode = false })
	assert.Contains(t, FormatError(err), "Cause: disk full")
}

func TestSearch_EmptyIndex(t *testing.T) {
	dir, _ := setupTestEnv(t)

	out, err := execute(t, "-C", dir, "search", "json")

	require.NoError(t, err)
	assert.Contains(t, out, `No packages match "json"`)
}

func TestSearch_RequiresQuery(t *testing.T) {
	dir, _ := setupTestEnv(t)

	_, err := execute(t, "-C", dir, "search")

	assert.Error(t, err)
}

func TestSearch_RejectsUnknownFormat(t *testing.T) {
	dir, _ := setupTestEnv(t)

	_, err := execute(t, "-C", dir, "search", "json", "--format", "xml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestSearch_LimitKeepsTotal(t *testing.T) {
	// Given: an indexed catalog
	dir, _ := setupTestEnv(t)
	runUpdateJSON(t, "-C", dir, "update", "--from", writeCatalogFile(t))

	// When: searching with limit 1
	out, err := execute(t, "-C", dir, "search", ".net", "--format", "json", "--limit", "1")

	// Then: at most one result is listed
	require.NoError(t, err, out)
	var res searchJSON
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.LessOrEqual(t, len(res.Results), 1)
	assert.GreaterOrEqual(t, res.Total, len(res.Results))
}

func TestStatus_NeverIndexed(t *testing.T) {
	dir, _ := setupTestEnv(t)

	out, err := execute(t, "-C", dir, "status")

	require.NoError(t, err)
	assert.Contains(t, out, "Documents: 0")
	assert.Contains(t, out, "Checkpoint: never")
}

func TestStatus_IndexLockedByAnotherHandle(t *testing.T) {
	// Given: the index held open elsewhere
	dir, dataDir := setupTestEnv(t)
	idx, err := store.Open(filepath.Join(dataDir, "packages.bleve"))
	require.NoError(t, err)
	defer idx.Close()

	// When: the CLI opens it
	_, err = execute(t, "-C", dir, "status")

	// Then: a retryable locked error, not a hang
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeIndexLocked, pkgerrors.GetCode(err))
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestSearch_IndexLockedByAnotherProcessFailsFast(t *testing.T) {
	// Given: the data directory held by a running server
	dir, dataDir := setupTestEnv(t)
	idx, err := store.Open(filepath.Join(dataDir, "packages.bleve"))
	require.NoError(t, err)
	defer idx.Close()

	// When: searching from the CLI
	_, err = execute(t, "-C", dir, "search", "json")

	// Then: the documented retryable locked error
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrCodeIndexLocked, pkgerrors.GetCode(err))
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestSearch_HelpMentionsLock(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "search", "--help")

	require.NoError(t, err)
	assert.Contains(t, out, "ERR_202_INDEX_LOCKED")
}

// =============================================================================
// Catalog
// =============================================================================

func TestCatalogImport_ThenUpdateFromDatabase(t *testing.T) {
	// Given: the example catalog imported into the default sqlite catalog
	dir, dataDir := setupTestEnv(t)
	out, err := execute(t, "-C", dir, "catalog", "import", writeCatalogFile(t))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Imported 3 package versions")
	assert.FileExists(t, filepath.Join(dataDir, "catalog.db"))

	// When: updating from the database
	res := runUpdateJSON(t, "-C", dir, "update")

	// Then: the latest versions are indexed
	assert.True(t, res.Rebuild)
	assert.Equal(t, 2, res.Indexed)
	found := runSearchJSON(t, dir, "Newtonsoft.Json")
	require.NotEmpty(t, found.Results)
	assert.Equal(t, 1001, found.Results[0].Key)
}

func TestCatalogImport_ExcludePrerelease(t *testing.T) {
	// Given: prereleases excluded by environment
	dir, _ := setupTestEnv(t)
	t.Setenv("PKGSEARCH_INCLUDE_PRERELEASE", "false")
	_, err := execute(t, "-C", dir, "catalog", "import", writeCatalogFile(t))
	require.NoError(t, err)

	// When: updating and searching
	runUpdateJSON(t, "-C", dir, "update")
	found := runSearchJSON(t, dir, "serilog")

	// Then: the stable version is indexed
	require.NotEmpty(t, found.Results)
	assert.Equal(t, 1002, found.Results[0].Key)
}

func TestCatalogExample(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "catalog", "example")

	require.NoError(t, err)
	assert.Equal(t, configs.CatalogTemplate, out)
}

// =============================================================================
// Config
// =============================================================================

func TestConfigInit_CreatesAndBacksUp(t *testing.T) {
	// Given: no user config
	dir, _ := setupTestEnv(t)

	// When: running init twice, the second time with --force
	out, err := execute(t, "-C", dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created configuration")

	out, err = execute(t, "-C", dir, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = execute(t, "-C", dir, "config", "init", "--force")
	require.NoError(t, err)

	// Then: a backup is reported and the file holds the template
	assert.Contains(t, out, "Backup:")
	pathOut, err := execute(t, "config", "path")
	require.NoError(t, err)
	data, err := os.ReadFile(strings.TrimSpace(pathOut))
	require.NoError(t, err)
	assert.Equal(t, configs.ConfigTemplate, string(data))
}

func TestConfigInit_Project(t *testing.T) {
	dir, _ := setupTestEnv(t)

	_, err := execute(t, "-C", dir, "config", "init", "--project")

	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "pkgsearch.yaml"))
}

func TestConfigShow(t *testing.T) {
	// Given: a project config overriding max_results
	dir, _ := setupTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkgsearch.yaml"),
		[]byte("search:\n  max_results: 25\n"), 0o644))

	// When: showing as JSON and YAML
	out, err := execute(t, "-C", dir, "config", "show", "--json")
	require.NoError(t, err)
	var cfg struct {
		Search struct {
			MaxResults int `json:"max_results"`
		} `json:"search"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))

	yamlOut, err := execute(t, "-C", dir, "config", "show")
	require.NoError(t, err)

	// Then: the merged value is shown
	assert.Equal(t, 25, cfg.Search.MaxResults)
	assert.Contains(t, yamlOut, "max_results: 25")
}

func TestConfigShow_InvalidConfig(t *testing.T) {
	dir, _ := setupTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkgsearch.yaml"),
		[]byte("search:\n  fuzziness: 5\n"), 0o644))

	_, err := execute(t, "-C", dir, "config", "show")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.fuzziness")
	assert.Equal(t, pkgerrors.ErrCodeConfigInvalid, pkgerrors.GetCode(err))
}

func TestRootCmd_ProfileFlags(t *testing.T) {
	// Given: profile output paths
	setupTestEnv(t)
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.prof")
	mem := filepath.Join(dir, "mem.prof")

	// When: running a command with profiling
	_, err := execute(t, "--profile-cpu", cpu, "--profile-mem", mem, "version")

	// Then: both profiles are written
	require.NoError(t, err)
	assert.FileExists(t, cpu)
	assert.FileExists(t, mem)
}

func TestSetupMCPLogging_RestoresPreviousLogger(t *testing.T) {
	// Given: an isolated home for the log file
	setupTestEnv(t)
	before := slog.Default()

	// When: switching to MCP logging and back
	require.NoError(t, setupMCPLogging("debug"))
	installed := slog.Default()
	resetLogging()

	// Then: MCP logging was installed and the previous logger is back
	assert.NotSame(t, before, installed)
	assert.Same(t, before, slog.Default())
	assert.Nil(t, loggingCleanup)
}
