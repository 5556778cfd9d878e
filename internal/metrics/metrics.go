// Package metrics defines the minimal metrics seam used across the cache.
//
// Core packages depend only on Backend; concrete exporters live in
// subpackages (see metrics/datadog). A nil-safe no-op backend keeps call
// sites unconditional.
package metrics

// Labels are metric dimensions, e.g. {"table": "public.users"}.
type Labels map[string]string

// Backend receives counter increments and histogram observations.
//
// Implementations must be safe for concurrent use. Unknown metric names may
// be ignored.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names emitted by the cache core.
const (
	// CacheHits counts identifiers served entirely from cache per request.
	CacheHits = "rowcache_hits_total"

	// CacheMisses counts identifiers that needed a source fetch.
	CacheMisses = "rowcache_misses_total"

	// FetchBatches counts fetch-callback invocations, labeled status=ok|error.
	FetchBatches = "rowcache_fetch_batches_total"

	// FetchIDs counts identifiers processed by the batch fetcher, labeled
	// status=ok|error.
	FetchIDs = "rowcache_fetch_ids_total"

	// CorruptSegments counts segment files that failed to parse and were
	// treated as empty.
	CorruptSegments = "rowcache_corrupt_segments_total"

	// FetchDuration observes wall-clock seconds per fetch batch.
	FetchDuration = "rowcache_fetch_duration_seconds"

	// MergeDuration observes wall-clock seconds per merge-write.
	MergeDuration = "rowcache_merge_duration_seconds"
)

// Nop is a Backend that discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

// OrNop returns b, or a no-op backend when b is nil.
func OrNop(b Backend) Backend {
	if b == nil {
		return Nop{}
	}
	return b
}
