// Package telemetry records how the package index is used: Prometheus
// metrics for scraping, and an in-process summary of recent queries for
// `pkgsearch status`. Nothing leaves the machine unless /metrics is scraped.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a coarse search latency class.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one completed search.
type QueryEvent struct {
	Query       string
	ResultCount int
	Latency     time.Duration
	Cached      bool
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int
	size     int
	capacity int
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	if b.size < b.capacity {
		copy(out, b.items[:b.size])
		return out
	}
	n := copy(out, b.items[b.head:])
	copy(out[n:], b.items[:b.head])
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ExtractTerms lowercases query and splits it on whitespace, dropping
// terms shorter than three characters.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a query term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryStatsSnapshot is a point-in-time copy of QueryStats.
type QueryStatsSnapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	CachedQueries       int64                   `json:"cached_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries that matched nothing.
func (s *QueryStatsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// QueryStatsConfig sizes the in-memory aggregates.
type QueryStatsConfig struct {
	TopTermsCapacity    int
	ZeroResultsCapacity int
}

// DefaultQueryStatsConfig returns the default sizes.
func DefaultQueryStatsConfig() QueryStatsConfig {
	return QueryStatsConfig{
		TopTermsCapacity:    100,
		ZeroResultsCapacity: 100,
	}
}

// QueryStats aggregates recent queries in memory. Safe for concurrent use.
type QueryStats struct {
	mu              sync.Mutex
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	totalQueries    int64
	cachedQueries   int64
	zeroResultCount int64
	startTime       time.Time
}

// NewQueryStats creates an empty aggregate.
func NewQueryStats(cfg QueryStatsConfig) *QueryStats {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	return &QueryStats{
		topTerms:    topTerms,
		zeroResults: NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:   make(map[LatencyBucket]int64),
		startTime:   time.Now(),
	}
}

// Record adds one search to the aggregate.
func (s *QueryStats) Record(event QueryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalQueries++
	if event.Cached {
		s.cachedQueries++
	}

	for _, term := range ExtractTerms(event.Query) {
		count, _ := s.topTerms.Get(term)
		s.topTerms.Add(term, count+1)
	}

	if event.ResultCount == 0 {
		s.zeroResults.Add(event.Query)
		s.zeroResultCount++
	}

	s.latencies[LatencyToBucket(event.Latency)]++
}

// Snapshot copies the current aggregate. TopTerms is ordered by count
// descending, then term.
func (s *QueryStats) Snapshot() *QueryStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	topTerms := make([]TermCount, 0, s.topTerms.Len())
	for _, key := range s.topTerms.Keys() {
		if count, ok := s.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(topTerms, func(i, j int) bool {
		if topTerms[i].Count != topTerms[j].Count {
			return topTerms[i].Count > topTerms[j].Count
		}
		return topTerms[i].Term < topTerms[j].Term
	})

	latencies := make(map[LatencyBucket]int64, len(s.latencies))
	for k, v := range s.latencies {
		latencies[k] = v
	}

	return &QueryStatsSnapshot{
		TotalQueries:        s.totalQueries,
		CachedQueries:       s.cachedQueries,
		ZeroResultCount:     s.zeroResultCount,
		TopTerms:            topTerms,
		ZeroResultQueries:   s.zeroResults.Items(),
		LatencyDistribution: latencies,
		Since:               s.startTime,
	}
}
