// Package search answers free-text package queries against the package
// index. Each whitespace token must match some field; a document's score is
// the sum over tokens of its best boosted field match.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	pkgerrors "github.com/anurse/pkgsearch/internal/errors"
	"github.com/anurse/pkgsearch/internal/store"
	"github.com/anurse/pkgsearch/internal/telemetry"
)

// DefaultMaxResults caps a result list unless configured otherwise.
const DefaultMaxResults = 1000

// Config configures the engine.
type Config struct {
	// MaxResults caps the number of keys returned.
	MaxResults int
	// Fuzziness bounds the edit distance of fuzzy clauses (0-2).
	Fuzziness int
	// CacheSize is the number of cached result lists; 0 disables caching.
	CacheSize int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxResults: DefaultMaxResults,
		Fuzziness:  2,
		CacheSize:  256,
	}
}

// Result is a matched package with its score.
type Result struct {
	Key   int     `json:"key"`
	Score float64 `json:"score"`
}

// Engine runs searches. Safe for concurrent use; it only reads the index.
type Engine struct {
	index   *store.PackageIndex
	config  Config
	scorer  *Scorer
	cache   *lru.Cache[string, []Result]
	group   singleflight.Group
	metrics *telemetry.Metrics

	// beforeExecute runs at the start of each shared search; tests use it
	// to hold a search in flight.
	beforeExecute func()
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithMetrics records search latency and outcomes.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClauses replaces the default field clauses.
func WithClauses(clauses []Clause) EngineOption {
	return func(e *Engine) {
		e.scorer = &Scorer{Clauses: clauses}
	}
}

// New creates an engine over idx.
func New(idx *store.PackageIndex, cfg Config, opts ...EngineOption) (*Engine, error) {
	if idx == nil {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Fuzziness < 0 || cfg.Fuzziness > 2 {
		return nil, fmt.Errorf("fuzziness must be between 0 and 2, got %d", cfg.Fuzziness)
	}

	e := &Engine{
		index:  idx,
		config: cfg,
		scorer: &Scorer{Clauses: DefaultClauses(cfg.Fuzziness)},
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		e.cache = cache
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search returns the surrogate keys of matching packages, best first.
// A blank term returns an empty list.
func (e *Engine) Search(ctx context.Context, term string) ([]int, error) {
	results, err := e.SearchScored(ctx, term)
	if err != nil {
		return nil, err
	}
	keys := make([]int, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	return keys, nil
}

// SearchScored is Search with scores. Ties are ordered by ascending key.
func (e *Engine) SearchScored(ctx context.Context, term string) ([]Result, error) {
	start := time.Now()

	tokens := Tokenize(term)
	if len(tokens) == 0 {
		return []Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// generation first: a batch committed after this point changes the key
	key := strconv.FormatUint(e.index.Generation(), 10) + "\x00" + strings.Join(tokens, " ")

	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			e.metrics.ObserveSearch(term, len(cached), time.Since(start), true, nil)
			return append([]Result(nil), cached...), nil
		}
	}

	// The shared run outlives any single caller; each caller stops waiting
	// when its own context is done.
	ch := e.group.DoChan(key, func() (interface{}, error) {
		if e.beforeExecute != nil {
			e.beforeExecute()
		}
		results, err := e.execute(context.WithoutCancel(ctx), tokens)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cache.Add(key, results)
		}
		return results, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case res = <-ch:
	}
	if err := res.Err; err != nil {
		e.metrics.ObserveSearch(term, 0, time.Since(start), false, err)
		slog.Debug("search_failed",
			slog.String("query", term),
			slog.String("error", err.Error()))
		return nil, err
	}

	results := res.Val.([]Result)
	e.metrics.ObserveSearch(term, len(results), time.Since(start), false, nil)
	slog.Debug("search_completed",
		slog.String("query", term),
		slog.Int("tokens", len(tokens)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))

	return append([]Result(nil), results...), nil
}

// execute selects candidates with bleve and ranks them with the scorer.
func (e *Engine) execute(ctx context.Context, tokens []string) ([]Result, error) {
	hits, err := e.index.Search(ctx, BuildQuery(tokens, e.scorer.Clauses), store.ScoredFields)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || pkgerrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, pkgerrors.StorageError("search failed", err)
	}

	results := make([]Result, 0, len(hits))
	for i := range hits {
		hit := &hits[i]
		key, ok := hit.Key()
		if !ok {
			return nil, pkgerrors.IndexCorruptionError(
				fmt.Sprintf("document %q has no parseable Key", hit.ID), nil).
				WithDetail("doc_id", hit.ID)
		}

		score, ok := e.scorer.Score(tokens, e.fieldTerms(hit))
		if !ok {
			continue
		}
		results = append(results, Result{Key: key, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})

	if len(results) > e.config.MaxResults {
		results = results[:e.config.MaxResults]
	}
	return results, nil
}

// fieldTerms analyzes the stored values of every clause field the way the
// index did, so the scorer sees the indexed terms.
func (e *Engine) fieldTerms(hit *store.Hit) map[string][]string {
	fields := make(map[string][]string, len(e.scorer.Clauses))
	for _, c := range e.scorer.Clauses {
		if _, done := fields[c.Field]; done {
			continue
		}
		var terms []string
		for _, v := range hit.Values(c.Field) {
			terms = append(terms, e.index.Analyze(c.Field, v)...)
		}
		fields[c.Field] = terms
	}
	return fields
}
