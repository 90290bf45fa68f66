package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("index is closed")

// PackageIndex is the process-wide handle on the package index.
// Writes go through one atomic bleve batch each; searches read a snapshot
// and never wait for a batch in flight.
type PackageIndex struct {
	// mu guards closed; writeMu serializes batches without blocking readers
	mu         sync.RWMutex
	writeMu    sync.Mutex
	index      bleve.Index
	path       string
	lock       *DirLock
	closed     bool
	generation atomic.Uint64
}

// validateIndexIntegrity checks a persisted bleve index before opening.
// Returns nil if the index is absent or looks valid.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError reports bleve open failures that a rebuild can fix.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment")
}

// Open opens the bleve index at path, creating it when absent.
// An empty path creates an in-memory index with no directory lock.
//
// Whenever a fresh index is created on disk, including after a corrupt one
// is cleared, the checkpoint in the same directory is reset so the next
// update is a full rebuild.
// The data directory is locked for the life of the handle, and a second
// process gets a retryable ERR_202_INDEX_LOCKED instead of blocking.
func Open(path string) (*PackageIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, pkgerrors.StorageError("failed to create index mapping", err)
	}

	if path == "" {
		idx, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, pkgerrors.StorageError("failed to create in-memory index", err)
		}
		return &PackageIndex{index: idx}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.StorageError(fmt.Sprintf("failed to create directory %s", dir), err)
	}

	lock := NewDirLock(dir)
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, pkgerrors.StorageError("failed to lock data directory", err)
	}
	if !acquired {
		return nil, pkgerrors.New(pkgerrors.ErrCodeIndexLocked,
			fmt.Sprintf("index at %s is in use by another process", path), nil).
			WithDetail("lock", lock.Path())
	}

	idx, created, err := openOrCreate(path, indexMapping)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if created {
		if err := NewCheckpoint(dir).Reset(); err != nil {
			_ = idx.Close()
			_ = lock.Unlock()
			return nil, err
		}
	}

	return &PackageIndex{index: idx, path: path, lock: lock}, nil
}

func openOrCreate(path string, indexMapping mapping.IndexMapping) (bleve.Index, bool, error) {
	if validErr := validateIndexIntegrity(path); validErr != nil {
		slog.Warn("package_index_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if err := os.RemoveAll(path); err != nil {
			return nil, false, pkgerrors.StorageError(fmt.Sprintf("index corrupted at %s and cannot be removed", path), err)
		}
		slog.Info("package_index_cleared", slog.String("path", path))
	}

	idx, err := bleve.Open(path)
	if err == nil {
		return idx, false, nil
	}

	switch {
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
	case isCorruptionError(err):
		slog.Warn("package_index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, false, pkgerrors.StorageError("index corrupted and cannot be cleared", rmErr)
		}
	default:
		return nil, false, pkgerrors.StorageError(fmt.Sprintf("failed to open index at %s", path), err)
	}

	idx, err = bleve.New(path, indexMapping)
	if err != nil {
		return nil, false, pkgerrors.StorageError(fmt.Sprintf("failed to create index at %s", path), err)
	}
	return idx, true, nil
}

// Path returns the on-disk location, or "" for an in-memory index.
func (p *PackageIndex) Path() string {
	return p.path
}

// Generation increases every time a batch is applied. Search caches key on it.
func (p *PackageIndex) Generation() uint64 {
	return p.generation.Load()
}

// DocCount returns the number of indexed documents.
func (p *PackageIndex) DocCount() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrClosed
	}
	n, err := p.index.DocCount()
	if err != nil {
		return 0, pkgerrors.StorageError("failed to count documents", err)
	}
	return n, nil
}

// Replace applies docs as one batch. Every existing document whose Id
// exactly matches a new document's identifier is deleted first, so at most
// one document per identifier survives.
func (p *PackageIndex) Replace(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	batch := p.index.NewBatch()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}

		stale, err := p.idsMatching(ctx, doc.DocID())
		if err != nil {
			return pkgerrors.StorageError(fmt.Sprintf("failed to find documents for %s", doc.ID), err)
		}
		for _, id := range stale {
			batch.Delete(id)
		}

		if err := batch.Index(doc.DocID(), doc.fields()); err != nil {
			return pkgerrors.StorageError(fmt.Sprintf("failed to index document %s", doc.ID), err)
		}
	}

	return p.apply(batch)
}

// Rebuild makes docs the entire index content in one batch: every existing
// document not among docs is deleted and docs are indexed.
func (p *PackageIndex) Rebuild(ctx context.Context, docs []*Document) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	keep := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		keep[doc.DocID()] = struct{}{}
	}

	existing, err := p.allIDs(ctx)
	if err != nil {
		return pkgerrors.StorageError("failed to list indexed documents", err)
	}

	batch := p.index.NewBatch()
	for _, id := range existing {
		if _, ok := keep[id]; !ok {
			batch.Delete(id)
		}
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(doc.DocID(), doc.fields()); err != nil {
			return pkgerrors.StorageError(fmt.Sprintf("failed to index document %s", doc.ID), err)
		}
	}

	if batch.Size() == 0 {
		return nil
	}
	return p.apply(batch)
}

// apply commits a batch. Caller holds writeMu.
func (p *PackageIndex) apply(batch *bleve.Batch) error {
	if err := p.index.Batch(batch); err != nil {
		return pkgerrors.StorageError("failed to commit batch", err)
	}
	p.generation.Add(1)
	return nil
}

// idsMatching returns the IDs of documents whose Id field is exactly term.
func (p *PackageIndex) idsMatching(ctx context.Context, term string) ([]string, error) {
	q := bleve.NewTermQuery(term)
	q.SetField(FieldID)
	return p.searchIDs(ctx, q)
}

func (p *PackageIndex) allIDs(ctx context.Context) ([]string, error) {
	return p.searchIDs(ctx, bleve.NewMatchAllQuery())
}

func (p *PackageIndex) searchIDs(ctx context.Context, q query.Query) ([]string, error) {
	docCount, err := p.index.DocCount()
	if err != nil {
		return nil, err
	}
	if docCount == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := p.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Search runs q and returns every matching document with the requested
// stored fields. Hit order is bleve's and carries no meaning.
func (p *PackageIndex) Search(ctx context.Context, q query.Query, fields []string) ([]Hit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docCount, err := p.index.DocCount()
	if err != nil {
		return nil, pkgerrors.StorageError("failed to count documents", err)
	}
	if docCount == 0 {
		return []Hit{}, nil
	}

	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)
	req.Fields = fields

	result, err := p.index.SearchInContext(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, pkgerrors.StorageError("search failed", err)
	}

	hits := make([]Hit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = Hit{ID: h.ID, Fields: h.Fields}
	}
	return hits, nil
}

// Analyze returns the terms the index produces for text in field.
func (p *PackageIndex) Analyze(field, text string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil
	}

	m := p.index.Mapping()
	analyzer := m.AnalyzerNamed(m.AnalyzerNameForPath(field))
	if analyzer == nil {
		return strings.Fields(strings.ToLower(text))
	}

	stream := analyzer.Analyze([]byte(text))
	terms := make([]string, 0, len(stream))
	for _, tok := range stream {
		terms = append(terms, string(tok.Term))
	}
	return terms
}

// Close closes the index and releases the directory lock.
func (p *PackageIndex) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	err := p.index.Close()
	if p.lock != nil {
		if unlockErr := p.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
