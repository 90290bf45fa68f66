package cmd

import (
	"github.com/spf13/cobra"

	"github.com/anurse/pkgsearch/internal/output"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index size and last update checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.status()
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(st)
			}
			out.IndexStatus(st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
