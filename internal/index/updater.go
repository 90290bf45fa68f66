// Package index keeps the package index in step with the catalog.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anurse/pkgsearch/internal/catalog"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/store"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

// Update modes, also used as metric labels.
const (
	ModeReplace = "replace"
	ModeRebuild = "rebuild"
)

// UpdateResult contains the outcome of one update pass.
type UpdateResult struct {
	// RunID identifies the pass in logs.
	RunID string `json:"run_id"`

	// PreviousCheckpoint is the checkpoint read at the start; zero means never indexed.
	PreviousCheckpoint time.Time `json:"previous_checkpoint"`

	// Checkpoint is the value written at the end.
	Checkpoint time.Time `json:"checkpoint"`

	// Fetched is the number of latest versions returned by the catalog.
	Fetched int `json:"fetched"`

	// Indexed is the number of documents written.
	Indexed int `json:"indexed"`

	// Rebuild is true when the pass replaced the whole index.
	Rebuild bool `json:"rebuild"`

	// Duration is the total pass time.
	Duration time.Duration `json:"duration"`
}

// Mode returns ModeRebuild or ModeReplace.
func (r *UpdateResult) Mode() string {
	if r.Rebuild {
		return ModeRebuild
	}
	return ModeReplace
}

// UpdaterDependencies contains the injected dependencies for Updater.
type UpdaterDependencies struct {
	// Catalog supplies the latest package versions (required).
	Catalog catalog.Catalog

	// Index is the package index to write (required).
	Index *store.PackageIndex

	// Checkpoint is the last successful update instant (required).
	Checkpoint *store.Checkpoint

	// Metrics records pass outcomes. Optional.
	Metrics *telemetry.Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	// IncludePrerelease is passed to the catalog.
	IncludePrerelease bool
}

// Updater runs index update passes. One pass runs at a time.
type Updater struct {
	catalog           catalog.Catalog
	index             *store.PackageIndex
	checkpoint        *store.Checkpoint
	metrics           *telemetry.Metrics
	now               func() time.Time
	includePrerelease bool

	running sync.Mutex
}

// NewUpdater creates an Updater with injected dependencies.
func NewUpdater(deps UpdaterDependencies) (*Updater, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if deps.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint is required")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Updater{
		catalog:           deps.Catalog,
		index:             deps.Index,
		checkpoint:        deps.Checkpoint,
		metrics:           deps.Metrics,
		now:               now,
		includePrerelease: deps.IncludePrerelease,
	}, nil
}

// UpdateIndex brings the index up to date with the catalog.
//
// Every latest version published after the checkpoint is written in one
// batch, replacing any document with the same identifier. A never-indexed
// checkpoint rebuilds the whole index instead. The checkpoint then advances
// to the instant captured before the catalog was queried, even when nothing
// was written. On any failure the checkpoint is left alone so the next pass
// retries the same window.
func (u *Updater) UpdateIndex(ctx context.Context) (*UpdateResult, error) {
	if !u.running.TryLock() {
		u.metrics.ObserveUpdate(telemetry.StatusInProgress, ModeReplace, 0, 0)
		return nil, pkgerrors.New(pkgerrors.ErrCodeUpdateInProgress, "an index update is already running", nil)
	}
	defer u.running.Unlock()

	start := time.Now()
	// captured before the fetch so packages published mid-pass fall after it
	now := u.now().UTC()

	result := &UpdateResult{RunID: uuid.NewString()}
	log := slog.With(slog.String("run_id", result.RunID))

	previous, err := u.checkpoint.Read()
	if err != nil {
		u.metrics.ObserveUpdate(telemetry.StatusFailed, ModeReplace, 0, time.Since(start))
		return nil, err
	}
	result.PreviousCheckpoint = previous
	result.Rebuild = previous.IsZero()

	log.Info("index_update_started",
		slog.Time("checkpoint", previous),
		slog.Bool("rebuild", result.Rebuild))

	if err := u.run(ctx, log, now, result); err != nil {
		u.metrics.ObserveUpdate(telemetry.StatusFailed, result.Mode(), 0, time.Since(start))
		log.Error("index_update_failed", failureAttrs(result.Mode(), err)...)
		return nil, err
	}

	result.Duration = time.Since(start)
	u.metrics.ObserveUpdate(telemetry.StatusSuccess, result.Mode(), result.Indexed, result.Duration)
	u.metrics.SetCheckpoint(result.Checkpoint)
	if n, err := u.index.DocCount(); err == nil {
		u.metrics.SetIndexDocuments(n)
	}

	log.Info("index_update_completed",
		slog.String("mode", result.Mode()),
		slog.Int("fetched", result.Fetched),
		slog.Int("indexed", result.Indexed),
		slog.Time("checkpoint", result.Checkpoint),
		slog.Duration("duration", result.Duration))

	return result, nil
}

func (u *Updater) run(ctx context.Context, log *slog.Logger, now time.Time, result *UpdateResult) error {
	pkgs, err := u.catalog.GetLatestPackageVersions(ctx, u.includePrerelease)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return pkgerrors.CatalogUnavailableError("failed to fetch latest package versions", err)
	}
	result.Fetched = len(pkgs)

	docs := make([]*store.Document, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Published.After(result.PreviousCheckpoint) {
			docs = append(docs, NewDocument(p))
		}
	}
	log.Debug("index_update_delta",
		slog.Int("fetched", len(pkgs)),
		slog.Int("changed", len(docs)))

	if result.Rebuild {
		err = u.index.Rebuild(ctx, docs)
	} else {
		err = u.index.Replace(ctx, docs)
	}
	if err != nil {
		return err
	}
	result.Indexed = len(docs)

	// never move backwards, even if the clock did
	next := now
	if next.Before(result.PreviousCheckpoint) {
		next = result.PreviousCheckpoint
	}
	if err := u.checkpoint.Write(next); err != nil {
		return err
	}
	result.Checkpoint = next
	return nil
}

// failureAttrs flattens err into log attributes, sorted by key.
func failureAttrs(mode string, err error) []any {
	fields := pkgerrors.FormatForLog(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := []any{slog.String("mode", mode)}
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}
