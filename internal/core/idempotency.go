package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DBIdempotencyChecker is the cold-path lookup against the persisted event log.
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: a bounded LRU of
// recently applied keys, then the event log.
type IdempotencyChecker struct {
	recent    *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	metrics := &IdempotencyMetrics{}
	recent, err := lru.NewWithEvict(capacity, func(string, struct{}) {
		metrics.evictions++
	})
	if err != nil {
		panic("FATAL: idempotency LRU capacity must be positive")
	}
	return &IdempotencyChecker{
		recent:    recent,
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(opType, idempotencyKey string) string {
	return opType + ":" + idempotencyKey
}

// IsDuplicate reports whether the operation was already applied.
func (ic *IdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) bool {
	key := compositeKey(opType, idempotencyKey)
	if _, ok := ic.recent.Get(key); ok {
		ic.metrics.lruHits++
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
	if err != nil {
		// the block-order check still rejects replays behind the cursor
		ic.metrics.tier2Errors++
		return false
	}
	if isDup {
		ic.metrics.dbHits++
		ic.recent.Add(key, struct{}{})
	}
	return isDup
}

// SetDBChecker replaces the cold-path checker. Replay runs without one, since
// every replayed operation is already in the log.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// MarkProcessed records an applied operation.
func (ic *IdempotencyChecker) MarkProcessed(opType string, idempotencyKey string) {
	ic.recent.Add(compositeKey(opType, idempotencyKey), struct{}{})
}

// Warm loads composite keys, oldest first, from a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.recent.Add(key, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.recent.Keys()
}

func (ic *IdempotencyChecker) Len() int {
	return ic.recent.Len()
}

func (ic *IdempotencyChecker) Metrics() *IdempotencyMetrics {
	return ic.metrics
}

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe: only accessed from the deterministic core goroutine.
type IdempotencyMetrics struct {
	lruHits     int64
	dbHits      int64
	tier2Errors int64
	evictions   int64
}

func (m *IdempotencyMetrics) Hits() (memory int64, postgres int64) {
	return m.lruHits, m.dbHits
}

func (m *IdempotencyMetrics) Tier2Errors() int64 {
	return m.tier2Errors
}

func (m *IdempotencyMetrics) Evictions() int64 {
	return m.evictions
}
