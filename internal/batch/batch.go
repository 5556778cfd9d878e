// Package batch partitions missing identifiers into bounded batches and
// drives the external fetch callback over them.
//
// Batches run strictly sequentially. That is intentional: it bounds load on
// the data source and keeps progress reporting simply additive. A failed
// batch is recorded and skipped; the remaining batches still run.
package batch

import (
	"context"
	"fmt"
	"time"

	"rowcache/internal/dataset"
	"rowcache/internal/metrics"
)

// FetchFunc is the external fetch callback contract: one call per batch,
// returning one record per identifier the source knows. Records must include
// the identifier column. The core never retries a batch.
type FetchFunc func(ctx context.Context, ids []int64, table string) ([]dataset.Record, error)

// Logger is the minimal logging interface used by the coordinator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Error records one failed batch: the identifiers it carried and the cause.
// Batch failures are not fatal to the request; identifiers that stay
// unresolved surface later through the orchestrator's not-found reporting.
type Error struct {
	Batch int
	IDs   []int64
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("batch %d (%d ids): %v", e.Batch, len(e.IDs), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Size computes the batch size for a number of missing identifiers:
// max(100, ceil(missing/100)). The ceiling caps the number of batches at
// 100; the floor keeps per-call payloads from degenerating into tiny
// requests.
func Size(missing int) int {
	if missing <= 0 {
		return 100
	}
	size := (missing + 99) / 100
	if size < 100 {
		size = 100
	}
	return size
}

// Coordinator fetches missing identifiers in bounded sequential batches.
type Coordinator struct {
	// Logger receives per-batch progress lines. Nil discards.
	Logger Logger

	// Metrics receives batch/id counters and durations. Nil discards.
	Metrics metrics.Backend
}

// FetchAll partitions ids into consecutive batches of Size(len(ids)) and
// invokes fetch once per batch, in order.
//
// Returns all successfully fetched records plus one Error per failed batch.
// Progress (identifiers processed so far against the total) is reported
// after every batch, successful or not.
//
// Edge cases:
//   - Empty ids returns (nil, nil) without calling fetch.
//   - ctx cancellation between batches stops the run; the error from
//     ctx.Err() is attached to a final Error covering the remaining ids.
func (c *Coordinator) FetchAll(ctx context.Context, ids []int64, table string, fetch FetchFunc) ([]dataset.Record, []Error) {
	if len(ids) == 0 {
		return nil, nil
	}

	size := Size(len(ids))
	total := len(ids)

	var records []dataset.Record
	var failures []Error

	batchIdx := 0
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		chunk := ids[start:end]

		if err := ctx.Err(); err != nil {
			failures = append(failures, Error{Batch: batchIdx, IDs: append([]int64(nil), ids[start:]...), Err: err})
			return records, failures
		}

		status := "ok"
		fetchStart := time.Now()
		got, err := fetch(ctx, chunk, table)
		c.met().ObserveHistogram(metrics.FetchDuration, time.Since(fetchStart).Seconds(), metrics.Labels{"table": table})

		if err != nil {
			status = "error"
			failures = append(failures, Error{Batch: batchIdx, IDs: append([]int64(nil), chunk...), Err: err})
			c.logf("batch: table=%s batch=%d failed: %v", table, batchIdx, err)
		} else {
			records = append(records, got...)
		}

		labels := metrics.Labels{"table": table, "status": status}
		c.met().IncCounter(metrics.FetchBatches, 1, labels)
		c.met().IncCounter(metrics.FetchIDs, float64(len(chunk)), labels)

		// Progress is additive and reported regardless of batch outcome.
		c.logf("batch: table=%s progress=%d/%d batches=%d errors=%d", table, end, total, batchIdx+1, len(failures))

		batchIdx++
	}

	return records, failures
}

func (c *Coordinator) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

func (c *Coordinator) met() metrics.Backend {
	return metrics.OrNop(c.Metrics)
}
