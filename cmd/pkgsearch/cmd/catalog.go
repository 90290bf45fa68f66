package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anurse/pkgsearch/configs"
	"github.com/anurse/pkgsearch/internal/catalog"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/output"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the package catalog database",
		Long: `Manage the package catalog database the index is built from.

The catalog normally belongs to the gallery. These commands seed a local
sqlite or postgres catalog from a YAML file.`,
	}

	cmd.AddCommand(newCatalogImportCmd())
	cmd.AddCommand(newCatalogExampleCmd())

	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import package versions from a YAML file",
		Long: `Insert or update the package versions listed in a YAML file.

Versions are matched by key. The latest and latest stable flags of every
touched package are recomputed. Run 'pkgsearch update' afterwards.`,
		Example: `  pkgsearch catalog example > packages.yaml
  pkgsearch catalog import packages.yaml
  pkgsearch update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs, err := catalog.LoadFile(args[0])
			if err != nil {
				return pkgerrors.ValidationError(err.Error(), err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			cat, err := openSQLCatalog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			if err := cat.EnsureSchema(cmd.Context()); err != nil {
				return pkgerrors.CatalogUnavailableError("cannot create catalog schema", err)
			}
			if err := cat.SavePackages(cmd.Context(), pkgs); err != nil {
				return pkgerrors.CatalogUnavailableError("cannot save packages", err)
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("Imported %d package versions into the %s catalog", len(pkgs), cfg.Catalog.Driver)
			return nil
		},
	}
}

func newCatalogExampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print an example catalog YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), configs.CatalogTemplate)
			return err
		},
	}
}
