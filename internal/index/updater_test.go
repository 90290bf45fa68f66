package index

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anurse/pkgsearch/internal/catalog"
	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/store"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// failingCatalog always fails.
type failingCatalog struct{ err error }

func (f failingCatalog) GetLatestPackageVersions(context.Context, bool) ([]catalog.Package, error) {
	return nil, f.err
}

// blockingCatalog parks the first call until release is closed.
type blockingCatalog struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCatalog) GetLatestPackageVersions(context.Context, bool) ([]catalog.Package, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

type fixture struct {
	catalog    *catalog.MemoryCatalog
	index      *store.PackageIndex
	checkpoint *store.Checkpoint
	clock      *clock
	metrics    *telemetry.Metrics
	updater    *Updater
}

func newFixture(t *testing.T, pkgs ...catalog.Package) *fixture {
	t.Helper()

	idx, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	f := &fixture{
		catalog:    catalog.NewMemoryCatalog(pkgs...),
		index:      idx,
		checkpoint: store.NewCheckpoint(t.TempDir()),
		clock:      &clock{t: base},
		metrics:    telemetry.New(),
	}
	f.updater, err = NewUpdater(UpdaterDependencies{
		Catalog:           f.catalog,
		Index:             f.index,
		Checkpoint:        f.checkpoint,
		Metrics:           f.metrics,
		Now:               f.clock.Now,
		IncludePrerelease: true,
	})
	require.NoError(t, err)
	return f
}

// keysFor returns the stored Keys of documents whose Id is exactly id.
func (f *fixture) keysFor(t *testing.T, id string) []int {
	t.Helper()
	q := bleve.NewTermQuery(id)
	q.SetField(store.FieldID)
	hits, err := f.index.Search(context.Background(), q, []string{store.FieldKey})
	require.NoError(t, err)

	keys := make([]int, 0, len(hits))
	for _, h := range hits {
		k, ok := h.Key()
		require.True(t, ok)
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (f *fixture) allKeys(t *testing.T) []int {
	t.Helper()
	hits, err := f.index.Search(context.Background(), bleve.NewMatchAllQuery(), []string{store.FieldKey})
	require.NoError(t, err)

	keys := make([]int, 0, len(hits))
	for _, h := range hits {
		k, ok := h.Key()
		require.True(t, ok)
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func pkg(key int, id string, published time.Time) catalog.Package {
	return catalog.Package{
		ID:          id,
		Version:     "1.0.0",
		Key:         key,
		Description: "package " + id,
		Published:   published,
	}
}

func TestNewUpdater_RequiresDependencies(t *testing.T) {
	idx, err := store.Open("")
	require.NoError(t, err)
	defer idx.Close()
	cp := store.NewCheckpoint(t.TempDir())
	cat := catalog.NewMemoryCatalog()

	tests := []struct {
		name string
		deps UpdaterDependencies
		want string
	}{
		{"no catalog", UpdaterDependencies{Index: idx, Checkpoint: cp}, "catalog"},
		{"no index", UpdaterDependencies{Catalog: cat, Checkpoint: cp}, "index"},
		{"no checkpoint", UpdaterDependencies{Catalog: cat, Index: idx}, "checkpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUpdater(tt.deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	u, err := NewUpdater(UpdaterDependencies{Catalog: cat, Index: idx, Checkpoint: cp})
	require.NoError(t, err)
	assert.NotNil(t, u.now)
}

func TestNewDocument(t *testing.T) {
	// Given: a package with tags and ordered authors
	p := catalog.Package{
		ID: "Newtonsoft.Json", Key: 7, Description: "Json.NET",
		Tags: "  json   serialization ", Authors: []string{"James", "Newton"},
	}

	// When: converted
	doc := NewDocument(p)

	// Then: tags are split and authors kept in order
	assert.Equal(t, 7, doc.Key)
	assert.Equal(t, "Newtonsoft.Json", doc.ID)
	assert.Empty(t, doc.Title)
	assert.Equal(t, []string{"json", "serialization"}, doc.Tags)
	assert.Equal(t, []string{"James", "Newton"}, doc.Authors)

	p.Authors[0] = "changed"
	assert.Equal(t, "James", doc.Authors[0])
}

func TestNewDocument_NoTags(t *testing.T) {
	doc := NewDocument(catalog.Package{ID: "a", Key: 1})
	assert.Empty(t, doc.Tags)
	assert.Empty(t, doc.Authors)
}

func TestUpdateIndex_FirstRunRebuilds(t *testing.T) {
	// Given: a never-indexed checkpoint and two published packages plus one unpublished
	f := newFixture(t,
		pkg(1, "Alpha", base.Add(-time.Hour)),
		pkg(2, "Beta", base.Add(-2*time.Hour)),
		pkg(3, "Draft", time.Time{}),
	)

	// When: updating
	result, err := f.updater.UpdateIndex(context.Background())

	// Then: published packages are indexed and the checkpoint is the captured now
	require.NoError(t, err)
	assert.True(t, result.Rebuild)
	assert.Equal(t, ModeRebuild, result.Mode())
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Indexed)
	assert.True(t, result.PreviousCheckpoint.IsZero())
	assert.True(t, result.Checkpoint.Equal(base))
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, []int{1, 2}, f.allKeys(t))

	cp, err := f.checkpoint.Read()
	require.NoError(t, err)
	assert.True(t, cp.Equal(base))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRunsTotal.WithLabelValues(telemetry.StatusSuccess, ModeRebuild)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IndexDocuments))
}

func TestUpdateIndex_Idempotent(t *testing.T) {
	// Given: an index built from an unchanged catalog
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)), pkg(2, "Beta", base.Add(-time.Hour)))
	_, err := f.updater.UpdateIndex(context.Background())
	require.NoError(t, err)
	before := f.allKeys(t)
	gen := f.index.Generation()

	// When: updating again later with no catalog changes
	f.clock.Set(base.Add(time.Minute))
	result, err := f.updater.UpdateIndex(context.Background())

	// Then: the document set is identical, nothing was written, the checkpoint advanced
	require.NoError(t, err)
	assert.False(t, result.Rebuild)
	assert.Zero(t, result.Indexed)
	assert.Equal(t, before, f.allKeys(t))
	assert.Equal(t, gen, f.index.Generation())
	assert.True(t, result.Checkpoint.Equal(base.Add(time.Minute)))
}

func TestUpdateIndex_ReplacesPriorVersion(t *testing.T) {
	// Given: an indexed package
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	_, err := f.updater.UpdateIndex(context.Background())
	require.NoError(t, err)

	// When: a newer version with a different key and casing is published
	newer := pkg(5, "ALPHA", base.Add(30*time.Second))
	newer.Description = "second release"
	f.catalog.Add(newer)
	f.clock.Set(base.Add(time.Minute))
	result, err := f.updater.UpdateIndex(context.Background())

	// Then: exactly one document remains for the identifier, the new one
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, []int{5}, f.keysFor(t, "alpha"))
	assert.Equal(t, []int{5}, f.allKeys(t))
}

func TestUpdateIndex_OnlyPublishedAfterCheckpoint(t *testing.T) {
	// Given: an index at checkpoint base
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	_, err := f.updater.UpdateIndex(context.Background())
	require.NoError(t, err)

	// When: one package lands exactly on the checkpoint and one after it
	f.catalog.Add(pkg(2, "OnBoundary", base), pkg(3, "After", base.Add(time.Second)))
	f.clock.Set(base.Add(time.Minute))
	result, err := f.updater.UpdateIndex(context.Background())

	// Then: only the strictly later one is indexed
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, []int{1, 3}, f.allKeys(t))
}

func TestUpdateIndex_PublishedDuringFetchIsPickedUpNextRun(t *testing.T) {
	// Given: a first pass whose clock reads base before the fetch
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	_, err := f.updater.UpdateIndex(context.Background())
	require.NoError(t, err)

	// When: a package published a moment after the captured now shows up
	f.catalog.Add(pkg(2, "Late", base.Add(time.Millisecond)))
	f.clock.Set(base.Add(time.Minute))
	_, err = f.updater.UpdateIndex(context.Background())

	// Then: it is indexed because the checkpoint never passed it
	require.NoError(t, err)
	assert.Equal(t, []int{2}, f.keysFor(t, "late"))
}

func TestUpdateIndex_CheckpointMonotonic(t *testing.T) {
	// Given: an index at checkpoint base
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	_, err := f.updater.UpdateIndex(context.Background())
	require.NoError(t, err)
	before, err := f.checkpoint.Read()
	require.NoError(t, err)

	// When: the clock goes backwards
	f.clock.Set(base.Add(-time.Hour))
	result, err := f.updater.UpdateIndex(context.Background())

	// Then: the checkpoint does not decrease
	require.NoError(t, err)
	after, err := f.checkpoint.Read()
	require.NoError(t, err)
	assert.False(t, after.Before(before))
	assert.True(t, result.Checkpoint.Equal(before))
}

func TestUpdateIndex_EmptyCatalogAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)

	result, err := f.updater.UpdateIndex(context.Background())

	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
	cp, err := f.checkpoint.Read()
	require.NoError(t, err)
	assert.True(t, cp.Equal(base))
}

func TestUpdateIndex_CatalogFailureKeepsCheckpoint(t *testing.T) {
	// Given: a catalog that cannot be reached
	f := newFixture(t)
	u, err := NewUpdater(UpdaterDependencies{
		Catalog:    failingCatalog{err: errors.New("connection refused")},
		Index:      f.index,
		Checkpoint: f.checkpoint,
		Metrics:    f.metrics,
		Now:        f.clock.Now,
	})
	require.NoError(t, err)

	// When: updating
	result, err := u.UpdateIndex(context.Background())

	// Then: a retryable catalog error and a checkpoint still at the sentinel
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, pkgerrors.ErrCatalogUnavailable))
	assert.True(t, pkgerrors.IsRetryable(err))

	cp, err := f.checkpoint.Read()
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRunsTotal.WithLabelValues(telemetry.StatusFailed, ModeRebuild)))
}

func TestUpdateIndex_StorageFailureKeepsCheckpoint(t *testing.T) {
	// Given: an index that has been closed underneath the updater
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	require.NoError(t, f.index.Close())

	// When: updating
	_, err := f.updater.UpdateIndex(context.Background())

	// Then: the pass fails and the next run will still be a rebuild
	require.Error(t, err)
	cp, err := f.checkpoint.Read()
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
}

func TestUpdateIndex_CancelledContext(t *testing.T) {
	f := newFixture(t, pkg(1, "Alpha", base.Add(-time.Hour)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.updater.UpdateIndex(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, pkgerrors.ErrCatalogUnavailable))
}

func TestUpdateIndex_RejectsOverlappingPass(t *testing.T) {
	// Given: a pass parked inside the catalog fetch
	f := newFixture(t)
	cat := &blockingCatalog{entered: make(chan struct{}), release: make(chan struct{})}
	u, err := NewUpdater(UpdaterDependencies{Catalog: cat, Index: f.index, Checkpoint: f.checkpoint, Now: f.clock.Now})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := u.UpdateIndex(context.Background())
		done <- err
	}()
	<-cat.entered

	// When: a second pass starts
	_, err = u.UpdateIndex(context.Background())

	// Then: it is refused with a retryable error, and the first pass still completes
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrUpdateInProgress))
	assert.True(t, pkgerrors.IsRetryable(err))

	close(cat.release)
	require.NoError(t, <-done)
}

func TestUpdateIndex_StablePrereleaseSelection(t *testing.T) {
	// Given: a registration whose newest version is a prerelease
	stable := pkg(1, "Alpha", base.Add(-2*time.Hour))
	pre := pkg(2, "Alpha", base.Add(-time.Hour))
	pre.Prerelease = true

	f := newFixture(t, stable, pre)

	// When: updating with prereleases included
	_, err := f.updater.UpdateIndex(context.Background())

	// Then: the prerelease is the indexed version
	require.NoError(t, err)
	assert.Equal(t, []int{2}, f.keysFor(t, "alpha"))
}

func TestFailureAttrs(t *testing.T) {
	// Given: a coded catalog error
	err := pkgerrors.CatalogUnavailableError("fetch failed", errors.New("connection refused"))

	// When: flattening it for the failure log
	attrs := failureAttrs(ModeReplace, err)

	// Then: mode first, then the error fields in key order
	keys := make([]string, 0, len(attrs))
	values := map[string]any{}
	for _, a := range attrs {
		attr := a.(slog.Attr)
		keys = append(keys, attr.Key)
		values[attr.Key] = attr.Value.Any()
	}
	assert.Equal(t, "mode", keys[0])
	assert.True(t, sort.StringsAreSorted(keys[1:]))
	assert.Equal(t, ModeReplace, values["mode"])
	assert.Equal(t, pkgerrors.ErrCodeCatalogUnavailable, values["error_code"])
	assert.Equal(t, true, values["retryable"])
	assert.Equal(t, "connection refused", values["cause"])
}

func TestFailureAttrs_PlainError(t *testing.T) {
	attrs := failureAttrs(ModeRebuild, errors.New("boom"))

	require.Len(t, attrs, 2)
	assert.Equal(t, "boom", attrs[1].(slog.Attr).Value.String())
}
