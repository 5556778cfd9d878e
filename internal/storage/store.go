package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"rowcache/internal/dataset"
	"rowcache/internal/metrics"
)

// Store answers coverage queries and performs merge-writes against the
// persisted cache of each table.
//
// Concurrency: a Store assumes callers serialize access per table. Coverage
// check and merge-write within one request form a single logical critical
// section; no other writer is assumed to interleave.
type Store struct {
	// Logger receives warnings (corrupt segments, split decisions). Nil
	// discards.
	Logger Logger

	// Metrics receives counters and durations. Nil discards.
	Metrics metrics.Backend

	// Split overrides the partitioning strategy. Nil selects RangeSplitter.
	Split Splitter

	backend      Backend
	root         string
	segmentBytes int64
	splitter     Splitter
}

// RowUpdate is one fully-resolved record to merge: the identifier plus a
// cell for every requested field-path column.
type RowUpdate struct {
	ID    int64
	Cells map[string]dataset.Cell
}

// RecordConflict reports one update that was skipped by MergeWrite because a
// value's type conflicted with the column's established type. The rest of
// the batch still commits.
type RecordConflict struct {
	ID  int64
	Err error
}

// CheckCoverage loads the persisted dataset for table and partitions the
// requested identifiers.
//
// A row is covered when it exists and every requested column holds a
// non-absent cell (fetched nulls and recorded extraction failures count as
// covered: both were confirmed against fetched data and the source is
// immutable). Everything else — no row, or any absent requested column —
// lands in incomplete, preserving the caller's id order.
//
// Covered rows come back projected to the requested columns plus the id.
func (s *Store) CheckCoverage(ctx context.Context, ids []int64, columns []string, table string) (*dataset.Dataset, []int64, error) {
	ds, _, err := s.load(ctx, table)
	if err != nil {
		return nil, nil, err
	}

	var coveredIDs []int64
	var incomplete []int64

	for _, id := range ids {
		if !ds.HasRow(id) {
			incomplete = append(incomplete, id)
			continue
		}
		complete := true
		for _, col := range columns {
			if _, ok := ds.Column(col); !ok {
				complete = false
				break
			}
			if ds.CellAt(id, col).State == dataset.StateAbsent {
				complete = false
				break
			}
		}
		if complete {
			coveredIDs = append(coveredIDs, id)
		} else {
			incomplete = append(incomplete, id)
		}
	}

	return ds.Project(coveredIDs, columns), incomplete, nil
}

// MergeWrite merges fully-resolved records into the persisted dataset for
// table and commits the result.
//
// Semantics per record:
//   - existing row: the cells for the given columns are replaced in place;
//     previously cached columns outside this request are untouched
//   - new row: inserted; every known column not supplied reads absent
//   - new column: added to the schema; prior rows read absent for it
//
// Typing: a column's type is established by the first value it ever stores
// (integer values may later land in a real column). A record carrying an
// incompatible value is skipped and reported in the returned conflicts; the
// remaining records still commit.
//
// The commit is staged: segments are fully written to temporary files and
// only then renamed over the canonical ones, so a crash never promotes a
// partially-written segment.
func (s *Store) MergeWrite(ctx context.Context, updates []RowUpdate, columns []string, table string) ([]RecordConflict, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	start := time.Now()

	ds, existingParts, err := s.load(ctx, table)
	if err != nil {
		return nil, err
	}

	colTypes, err := s.resolveColumnTypes(ds, updates, columns)
	if err != nil {
		return nil, err
	}
	for _, col := range columns {
		if err := ds.AddColumn(col, colTypes[col]); err != nil {
			return nil, fmt.Errorf("storage: evolve schema for %s: %w", table, err)
		}
	}

	var conflicts []RecordConflict
	for _, up := range updates {
		if err := checkUpdate(up, columns, colTypes); err != nil {
			conflicts = append(conflicts, RecordConflict{ID: up.ID, Err: err})
			continue
		}
		ds.EnsureRow(up.ID)
		for _, col := range columns {
			cell := up.Cells[col]
			if err := ds.SetCell(up.ID, col, cell); err != nil {
				return conflicts, err
			}
		}
	}

	if err := s.writeSegments(ctx, table, ds, existingParts); err != nil {
		return conflicts, err
	}

	s.met().ObserveHistogram(metrics.MergeDuration, time.Since(start).Seconds(), metrics.Labels{"table": table})
	return conflicts, nil
}

// SegmentFiles returns the canonical segment paths currently backing table,
// in segment order. Empty when the table cache does not exist yet.
func (s *Store) SegmentFiles(table string) ([]string, error) {
	return s.segmentPaths(table)
}

// resolveColumnTypes fixes the declared type for every column being written.
// Existing columns keep their established type; new columns take the type of
// the first value any update supplies, or text when the batch carries only
// nulls and failure markers.
func (s *Store) resolveColumnTypes(ds *dataset.Dataset, updates []RowUpdate, columns []string) (map[string]dataset.ColumnType, error) {
	out := make(map[string]dataset.ColumnType, len(columns))
	for _, col := range columns {
		if existing, ok := ds.Column(col); ok {
			out[col] = existing.Type
			continue
		}
		typ := dataset.TypeText
		for _, up := range updates {
			cell, ok := up.Cells[col]
			if !ok || cell.State != dataset.StateValue {
				continue
			}
			_, t, err := dataset.NormalizeValue(cell.Value)
			if err != nil {
				continue
			}
			typ = t
			break
		}
		out[col] = typ
	}
	return out, nil
}

// checkUpdate validates one record against the established column types.
func checkUpdate(up RowUpdate, columns []string, colTypes map[string]dataset.ColumnType) error {
	for _, col := range columns {
		cell, ok := up.Cells[col]
		if !ok || cell.State != dataset.StateValue {
			continue
		}
		_, got, err := dataset.NormalizeValue(cell.Value)
		if err != nil {
			return fmt.Errorf("column %q: %w", col, err)
		}
		if !dataset.CompatibleType(colTypes[col], got) {
			return &dataset.SchemaConflictError{Column: col, Declared: colTypes[col], Got: got}
		}
	}
	return nil
}

// load reads every segment of table into one logical dataset.
//
// Recovery policy: a segment that cannot be parsed is logged, counted, and
// treated as empty. Its rows simply vanish from coverage, which routes their
// identifiers back through a full re-fetch instead of aborting the request.
func (s *Store) load(ctx context.Context, table string) (*dataset.Dataset, int, error) {
	paths, err := s.segmentPaths(table)
	if err != nil {
		return nil, 0, err
	}

	ds := dataset.New()
	for _, p := range paths {
		seg, err := s.backend.ReadSegment(ctx, p)
		if err == nil {
			err = ds.Absorb(seg)
		}
		if err != nil {
			s.logf("storage: segment %s unreadable, treating as empty: %v", p, err)
			s.met().IncCounter(metrics.CorruptSegments, 1, metrics.Labels{"table": table})
		}
	}
	return ds, len(paths), nil
}

// writeSegments stages and commits the full logical dataset as minParts or
// more segments. The part count grows when any staged segment exceeds the
// size threshold and never shrinks, so a split table stays split.
func (s *Store) writeSegments(ctx context.Context, table string, ds *dataset.Dataset, minParts int) error {
	if err := ensureDir(s.root); err != nil {
		return fmt.Errorf("storage: create cache root: %w", err)
	}

	ids := ds.IDs()
	parts := minParts
	if parts < 1 {
		parts = 1
	}

	var tmps []string
	cleanup := func() {
		for _, t := range tmps {
			_ = os.Remove(t)
		}
	}

	for {
		groups := s.split().Partition(ids, parts)
		if len(groups) == 0 {
			// Nothing to persist; still create the single empty segment so
			// the table transitions out of the absent state.
			groups = [][]int64{nil}
		}

		tmps = tmps[:0]
		var oversized bool
		var totalBytes int64

		for i, group := range groups {
			seg := ds.Project(group, columnNames(ds))
			tmp := s.segmentPath(table, i) + ".tmp"
			if err := s.backend.WriteSegment(ctx, tmp, seg); err != nil {
				cleanup()
				return fmt.Errorf("storage: stage segment %d of %s: %w", i, table, err)
			}
			tmps = append(tmps, tmp)

			info, err := os.Stat(tmp)
			if err != nil {
				cleanup()
				return err
			}
			totalBytes += info.Size()
			if info.Size() > s.segmentBytes && len(group) > 1 {
				oversized = true
			}
		}

		if !oversized || len(groups) >= len(ids) {
			break
		}

		// Grow the part count so each segment lands under the threshold on
		// the next pass.
		needed := int(totalBytes/s.segmentBytes) + 1
		if needed <= len(groups) {
			needed = len(groups) + 1
		}
		s.logf("storage: table %s exceeds %d bytes per segment, splitting %d -> %d parts", table, s.segmentBytes, len(groups), needed)
		cleanup()
		parts = needed
	}

	for i, tmp := range tmps {
		if err := os.Rename(tmp, s.segmentPath(table, i)); err != nil {
			cleanup()
			return fmt.Errorf("storage: commit segment %d of %s: %w", i, table, err)
		}
	}

	// Drop canonical segments beyond the committed count. Only reachable
	// when a corrupt segment shrank the logical row set; leaving the stale
	// file behind would resurrect rows the merge no longer knows about.
	existing, err := s.segmentPaths(table)
	if err == nil {
		for i := len(tmps); i < len(existing); i++ {
			_ = os.Remove(existing[i])
		}
	}
	return nil
}

func columnNames(ds *dataset.Dataset) []string {
	cols := ds.Columns()
	out := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		out = append(out, c.Name)
	}
	return out
}

func (s *Store) segmentPath(table string, part int) string {
	name := fmt.Sprintf("%s.part%04d.%s", SafeTableName(table), part, s.backend.Ext())
	return filepath.Join(s.root, name)
}

// segmentPaths lists the canonical segment files of table, in part order.
func (s *Store) segmentPaths(table string) ([]string, error) {
	pattern := filepath.Join(s.root, SafeTableName(table)+".part*."+s.backend.Ext())
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

func (s *Store) met() metrics.Backend {
	return metrics.OrNop(s.Metrics)
}

func (s *Store) split() Splitter {
	if s.Split != nil {
		return s.Split
	}
	if s.splitter != nil {
		return s.splitter
	}
	return RangeSplitter{}
}
