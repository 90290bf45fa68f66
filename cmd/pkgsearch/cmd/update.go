package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/anurse/pkgsearch/internal/output"
)

type updateOptions struct {
	from       string
	jsonOutput bool
}

func newUpdateCmd() *cobra.Command {
	var opts updateOptions

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Index packages published since the last update",
		Long: `Run one index update pass.

The pass fetches the latest version of every package from the catalog and
indexes those published after the stored checkpoint. When the index has never
been updated, or was recreated, the whole index is rebuilt instead.

The checkpoint only advances when the pass succeeds, so a failed pass is
retried from the same point next time.`,
		Example: `  # Update from the configured catalog database
  pkgsearch update

  # Update from a catalog YAML file instead
  pkgsearch update --from packages.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := runUpdate(cmd.Context(), cmd, opts)
			if err != nil && opts.jsonOutput {
				_ = output.New(cmd.OutOrStdout()).JSONError(err)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "Read packages from a catalog YAML file instead of the database")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the result as JSON")

	return cmd
}

func runUpdate(ctx context.Context, cmd *cobra.Command, opts updateOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, appOptions{withUpdater: true, catalogFile: opts.from})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("close_failed", slog.String("error", err.Error()))
		}
	}()

	result, err := a.updater.UpdateIndex(ctx)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	if opts.jsonOutput {
		return out.JSON(result)
	}
	out.UpdateResult(result)
	return nil
}
