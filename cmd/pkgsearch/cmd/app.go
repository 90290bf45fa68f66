package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anurse/pkgsearch/internal/catalog"
	"github.com/anurse/pkgsearch/internal/config"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/index"
	"github.com/anurse/pkgsearch/internal/search"
	"github.com/anurse/pkgsearch/internal/store"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

// app holds the components opened for one command.
type app struct {
	cfg        *config.Config
	index      *store.PackageIndex
	checkpoint *store.Checkpoint
	metrics    *telemetry.Metrics
	engine     *search.Engine
	updater    *index.Updater
	closers    []func() error
}

type appOptions struct {
	// withUpdater opens the catalog and builds an updater.
	withUpdater bool
	// catalogFile replaces the configured catalog with a YAML file.
	catalogFile string
	// metrics is shared by the engine and updater when set.
	metrics *telemetry.Metrics
}

// openApp opens the index under the data directory and builds the engine,
// and the updater when requested. Callers must Close the app.
func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	idx, err := store.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		index:      idx,
		checkpoint: store.NewCheckpoint(cfg.Paths.DataDir),
		metrics:    opts.metrics,
		closers:    []func() error{idx.Close},
	}

	engine, err := search.New(idx, search.Config{
		MaxResults: cfg.Search.MaxResults,
		Fuzziness:  cfg.Search.Fuzziness,
		CacheSize:  cfg.Search.CacheSize,
	}, search.WithMetrics(opts.metrics))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine = engine

	if !opts.withUpdater {
		return a, nil
	}

	cat, err := openCatalog(ctx, cfg, opts.catalogFile, a)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.updater, err = index.NewUpdater(index.UpdaterDependencies{
		Catalog:           cat,
		Index:             idx,
		Checkpoint:        a.checkpoint,
		Metrics:           opts.metrics,
		IncludePrerelease: cfg.Catalog.IncludePrerelease,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

// openCatalog returns a MemoryCatalog over file, or the configured database.
func openCatalog(ctx context.Context, cfg *config.Config, file string, a *app) (catalog.Catalog, error) {
	if file != "" {
		pkgs, err := catalog.LoadFile(file)
		if err != nil {
			return nil, pkgerrors.ValidationError(err.Error(), err)
		}
		slog.Debug("catalog_file_loaded", slog.String("path", file), slog.Int("versions", len(pkgs)))
		return catalog.NewMemoryCatalog(pkgs...), nil
	}

	sqlCat, err := openSQLCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlCat.Close)
	return sqlCat, nil
}

// openSQLCatalog connects to the configured catalog database. A sqlite
// catalog gets its tables created so a fresh data directory works.
func openSQLCatalog(ctx context.Context, cfg *config.Config) (*catalog.SQLCatalog, error) {
	driver := strings.ToLower(cfg.Catalog.Driver)
	cat, err := catalog.Open(ctx, driver, cfg.CatalogDSN())
	if err != nil {
		return nil, pkgerrors.CatalogUnavailableError(fmt.Sprintf("cannot open %s catalog", driver), err)
	}

	if driver == catalog.DriverSQLite {
		if err := cat.EnsureSchema(ctx); err != nil {
			_ = cat.Close()
			return nil, pkgerrors.CatalogUnavailableError("cannot create catalog schema", err)
		}
	}
	return cat, nil
}

// status reads the current index status.
func (a *app) status() (*index.Status, error) {
	return index.ReadStatus(a.index, a.checkpoint)
}

// Close releases everything openApp opened, last opened first.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
