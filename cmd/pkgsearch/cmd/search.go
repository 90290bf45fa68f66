package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/output"
	"github.com/anurse/pkgsearch/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit  int
	format string // "text", "json"
}

// searchOutput is the JSON shape of a search.
type searchOutput struct {
	Query   string          `json:"query"`
	Total   int             `json:"total"`
	Results []search.Result `json:"results"`
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the package index",
		Long: `Search the package index.

Every whitespace separated term must match the package id, title, tags,
description or authors. Id matches rank highest, then title, tags,
description and authors. Tags and description tolerate small typos.

The command opens the index directly and takes the data directory lock, so
it fails with ERR_202_INDEX_LOCKED while 'pkgsearch serve' or an update runs
in another process. Use the search_packages MCP tool of the running server
instead.`,
		Example: `  pkgsearch search json
  pkgsearch search "json serializer" --limit 5
  pkgsearch search logging --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
			if err != nil && opts.format == "json" {
				_ = output.New(cmd.OutOrStdout()).JSONError(err)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum number of results (0 for all)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return pkgerrors.ValidationError(fmt.Sprintf("unknown format %q (supported: text, json)", opts.format), nil)
	}
	if opts.limit < 0 {
		return pkgerrors.ValidationError("limit must not be negative", nil)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))
	results, err := a.engine.SearchScored(ctx, query)
	if err != nil {
		return err
	}
	total := len(results)
	if opts.limit > 0 && len(results) > opts.limit {
		results = results[:opts.limit]
	}
	slog.Info("search_complete", slog.Int("results", total))

	out := output.New(cmd.OutOrStdout())
	if opts.format == "json" {
		return out.JSON(searchOutput{Query: query, Total: total, Results: results})
	}
	out.SearchResults(query, results)
	if total > len(results) {
		out.Newline()
		out.Statusf("", "... %d more, use --limit to see them", total-len(results))
	}
	return nil
}
