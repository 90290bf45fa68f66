// Package cmd provides the CLI commands for pkgsearch.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/anurse/pkgsearch/internal/config"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/logging"
	"github.com/anurse/pkgsearch/internal/profiling"
	"github.com/anurse/pkgsearch/pkg/version"
)

// Global flags
var (
	debugMode  bool
	projectDir string
)

// Profiling flags
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	cpuCleanup   func()
	traceCleanup func()
)

var (
	loggingCleanup func()
	previousLogger *slog.Logger
)

// NewRootCmd creates the root command for the pkgsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkgsearch",
		Short: "Full-text search over a package catalog",
		Long: `pkgsearch keeps a full-text index of the latest version of every package
in a catalog database and answers ranked search queries against it.

Index updates are incremental: each pass indexes the packages published since
the previous successful pass. The first pass builds the whole index.

Run 'pkgsearch serve' to expose search to MCP clients and keep the index
up to date on a schedule.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("pkgsearch version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.pkgsearch/logs/")
	cmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Directory containing pkgsearch.yaml")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCatalogCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging starts profiling when requested and sends slog
// records to the rotating log file so command output on stdout stays clean.
func startProfilingAndLogging(cmd *cobra.Command, _ []string) error {
	level := "info"
	if debugMode {
		level = "debug"
	}
	if err := setupLogging(level); err != nil {
		return err
	}

	if profileCPU == "" && profileTrace == "" {
		return nil
	}

	profiler := profiling.NewProfiler(cmd.Name())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = profiler.Label(ctx)

	var err error
	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return err
		}
	}
	if profileTrace != "" {
		ctx, traceCleanup, err = profiler.StartTrace(ctx, profileTrace)
		if err != nil {
			stopProfiling()
			return err
		}
	}
	cmd.SetContext(ctx)
	return nil
}

func setupLogging(level string) error {
	cfg := logging.DefaultConfig()
	cfg.Level = level

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	resetLogging()
	previousLogger = slog.Default()
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("logging_started",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", level),
		slog.String("version", version.Version))
	return nil
}

// setupMCPLogging replaces the command logger with the file-only MCP logger.
func setupMCPLogging(level string) error {
	resetLogging()
	previous := slog.Default()

	cleanup, err := logging.SetupMCPMode(level, "")
	if err != nil {
		return fmt.Errorf("failed to setup MCP logging: %w", err)
	}
	previousLogger = previous
	loggingCleanup = cleanup
	return nil
}

// stopProfilingAndLogging flushes profiles, writes the heap profile and
// closes the log file.
func stopProfilingAndLogging(cmd *cobra.Command, _ []string) error {
	stopProfiling()
	defer resetLogging()

	if profileMem != "" {
		if err := profiling.NewProfiler(cmd.Name()).WriteHeap(profileMem); err != nil {
			return err
		}
	}
	return nil
}

func stopProfiling() {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
}

func resetLogging() {
	if loggingCleanup == nil {
		return
	}
	loggingCleanup()
	loggingCleanup = nil
	if previousLogger != nil {
		slog.SetDefault(previousLogger)
		previousLogger = nil
	}
}

// loadConfig loads the configuration for the --dir project directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, pkgerrors.ConfigError(err.Error(), err).
			WithSuggestion("Run 'pkgsearch config show' after fixing the file, or 'pkgsearch config init --force'")
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	defer resetLogging()
	defer stopProfiling()
	return NewRootCmd().ExecuteContext(ctx)
}

// FormatError renders err for stderr. With --debug the underlying cause is
// included.
func FormatError(err error) string {
	if debugMode {
		return pkgerrors.FormatForUser(err, true)
	}
	return pkgerrors.FormatForCLI(err)
}

// Exit codes returned by ExitCode.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitFatal   = 3
)

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case pkgerrors.IsFatal(err):
		return ExitFatal
	}
	switch pkgerrors.GetCategory(err) {
	case pkgerrors.CategoryConfig, pkgerrors.CategoryValidation:
		return ExitUsage
	}
	return ExitFailure
}
