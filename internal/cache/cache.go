// Package cache is the public face of the read-through row cache.
//
// A Client answers one question: given identifiers, requested columns, and a
// table, return the rows — from the persisted cache where complete, from the
// external fetch callback where not, merging fetched rows back so the next
// request is a cache hit.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"rowcache/internal/batch"
	"rowcache/internal/dataset"
	"rowcache/internal/fieldpath"
	"rowcache/internal/metrics"
	"rowcache/internal/storage"
)

// FetchFunc is re-exported so callers only import this package.
type FetchFunc = batch.FetchFunc

// Logger is the minimal logging interface used by the orchestrator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// tableNameRE is the accepted "schema.table" shape.
var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)

// Client orchestrates one GetData call: validate, check coverage, batch
// fetch the misses, resolve derived fields, merge back, assemble.
//
// A Client is cheap and stateless apart from its seams; callers must
// serialize access per table (the store assumes a single writer).
type Client struct {
	// Store owns the persisted cache. Required.
	Store *storage.Store

	// Logger receives progress and warnings. Nil discards.
	Logger Logger

	// Metrics receives hit/miss counters. Nil discards.
	Metrics metrics.Backend
}

// New returns a Client over store with no logging or metrics wired.
func New(store *storage.Store) *Client {
	return &Client{Store: store}
}

// GetData retrieves the requested columns for the requested identifiers,
// reading through the cache.
//
// Behavior:
//  1. Inputs are validated before any I/O. Duplicate ids are tolerated and
//     deduplicated; column names parse per fieldpath; table must look like
//     "schema.table"; fetch must be non-nil. Empty ids return an empty
//     dataset.
//  2. Rows already complete in cache are served from it. Rows missing, or
//     missing any requested field path, are re-fetched whole: the source
//     returns full records per identifier, so partial column fetch is not
//     supported at that boundary.
//  3. Fetched records have every requested derived field resolved; the
//     resolved rows are merge-written before any error is returned, so a
//     caller's retry never re-fetches data this call already obtained.
//  4. Identifiers the source never returned surface as *DataNotFoundError.
//     Returned records lacking a requested base column surface as
//     *ColumnNotFoundError. Failed derived-field extractions do not abort:
//     the affected cell carries an extraction-failure marker.
//
// The assembled dataset contains the id column plus exactly the requested
// columns; Dataset.IDs() walks it in ascending identifier order.
func (c *Client) GetData(ctx context.Context, ids []int64, columns []string, table string, fetch FetchFunc) (*dataset.Dataset, error) {
	if len(ids) == 0 {
		return dataset.New(), nil
	}

	paths, err := parseColumns(columns)
	if err != nil {
		return nil, err
	}
	if !tableNameRE.MatchString(table) {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("table %q is not in schema.table form", table)}
	}
	if fetch == nil {
		return nil, &InvalidInputError{Reason: "fetch callback is nil"}
	}
	ids = dedupeIDs(ids)

	requested := make([]string, len(paths))
	for i, p := range paths {
		requested[i] = p.Column()
	}

	covered, incomplete, err := c.Store.CheckCoverage(ctx, ids, requested, table)
	if err != nil {
		return nil, err
	}

	c.met().IncCounter(metrics.CacheHits, float64(len(ids)-len(incomplete)), metrics.Labels{"table": table})
	c.met().IncCounter(metrics.CacheMisses, float64(len(incomplete)), metrics.Labels{"table": table})
	c.logf("cache: table=%s requested=%d covered=%d incomplete=%d", table, len(ids), len(ids)-len(incomplete), len(incomplete))

	var updates []storage.RowUpdate
	var notFound []int64
	missingCols := map[string]bool{}

	if len(incomplete) > 0 {
		coord := &batch.Coordinator{Logger: c.Logger, Metrics: c.Metrics}
		records, failures := coord.FetchAll(ctx, incomplete, table, fetch)
		for _, f := range failures {
			c.logf("cache: table=%s %v", table, &f)
		}

		byID := indexRecords(records, c)
		for _, id := range incomplete {
			rec, ok := byID[id]
			if !ok {
				notFound = append(notFound, id)
				continue
			}
			up, missing := resolveRecord(id, rec, paths)
			if len(missing) > 0 {
				for _, m := range missing {
					missingCols[m] = true
				}
				continue
			}
			updates = append(updates, up)
		}

		// Partial persist before any failure below: successfully resolved
		// rows are committed so a retry does not waste this call's work.
		writeCols := writeColumns(paths)
		conflicts, err := c.Store.MergeWrite(ctx, updates, writeCols, table)
		if err != nil {
			return nil, err
		}
		for _, conflict := range conflicts {
			c.logf("cache: table=%s id=%d not persisted: %v", table, conflict.ID, conflict.Err)
		}
	}

	if len(notFound) > 0 {
		sort.Slice(notFound, func(i, j int) bool { return notFound[i] < notFound[j] })
		return nil, &DataNotFoundError{IDs: notFound}
	}
	if len(missingCols) > 0 {
		cols := make([]string, 0, len(missingCols))
		for m := range missingCols {
			cols = append(cols, m)
		}
		sort.Strings(cols)
		return nil, &ColumnNotFoundError{Columns: cols}
	}

	return assemble(covered, updates, requested, ids)
}

// parseColumns validates and parses the requested column names, dropping
// duplicates while preserving first-seen order.
func parseColumns(columns []string) ([]fieldpath.Path, error) {
	if len(columns) == 0 {
		return nil, &InvalidInputError{Reason: "at least one column must be requested"}
	}
	seen := map[string]bool{}
	out := make([]fieldpath.Path, 0, len(columns))
	for _, col := range columns {
		if col == dataset.IDColumn {
			return nil, &InvalidInputError{Reason: "the id column is implicit and cannot be requested"}
		}
		p, err := fieldpath.Parse(col)
		if err != nil {
			return nil, err
		}
		if seen[p.Column()] {
			continue
		}
		seen[p.Column()] = true
		out = append(out, p)
	}
	return out, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// indexRecords maps fetched records by identifier. Records without a usable
// identifier are dropped with a warning; their ids simply stay unresolved.
func indexRecords(records []dataset.Record, c *Client) map[int64]dataset.Record {
	out := make(map[int64]dataset.Record, len(records))
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			c.logf("cache: dropping fetched record without integer %q field", dataset.IDColumn)
			continue
		}
		out[id] = rec
	}
	return out
}

func recordID(rec dataset.Record) (int64, bool) {
	v, ok := rec[dataset.IDColumn]
	if !ok {
		return 0, false
	}
	norm, typ, err := dataset.NormalizeValue(v)
	if err != nil {
		return 0, false
	}
	switch typ {
	case dataset.TypeInteger:
		return norm.(int64), true
	case dataset.TypeReal:
		// JSON-sourced fetchers deliver numbers as float64.
		f := norm.(float64)
		if f == float64(int64(f)) {
			return int64(f), true
		}
	}
	return 0, false
}

// resolveRecord builds the fully-resolved update for one fetched record:
// every requested field path plus, for derived paths, the raw base column.
//
// Returns the base columns missing from the record instead of an update
// when the record cannot satisfy the request.
func resolveRecord(id int64, rec dataset.Record, paths []fieldpath.Path) (storage.RowUpdate, []string) {
	var missing []string
	for _, p := range paths {
		if _, ok := rec[p.Base]; !ok {
			missing = append(missing, p.Base)
		}
	}
	if len(missing) > 0 {
		return storage.RowUpdate{}, missing
	}

	cells := make(map[string]dataset.Cell, len(paths)*2)
	for _, p := range paths {
		raw := rec[p.Base]

		// Derived paths also persist the raw base column: a derived value
		// is only meaningful alongside the base it was extracted from.
		if _, ok := cells[p.Base]; !ok {
			cells[p.Base] = cellFor(raw)
		}
		if !p.Derived() {
			continue
		}

		if raw == nil {
			cells[p.Column()] = dataset.Cell{State: dataset.StateNull}
			continue
		}
		v, err := p.Extract(raw)
		if err != nil {
			cells[p.Column()] = dataset.Cell{State: dataset.StateFailed}
			continue
		}
		cells[p.Column()] = cellFor(v)
	}

	return storage.RowUpdate{ID: id, Cells: cells}, nil
}

// cellFor normalizes one raw value into a cell. Unsupported Go types are
// carried as-is and rejected later by the merge's type check, which keeps
// the schema-conflict policy in one place.
func cellFor(v any) dataset.Cell {
	if v == nil {
		return dataset.Cell{State: dataset.StateNull}
	}
	norm, _, err := dataset.NormalizeValue(v)
	if err != nil {
		return dataset.Cell{State: dataset.StateValue, Value: v}
	}
	return dataset.Cell{State: dataset.StateValue, Value: norm}
}

// writeColumns is the set of columns a merge persists: every requested
// field path plus the base columns backing derived paths.
func writeColumns(paths []fieldpath.Path) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, p := range paths {
		add(p.Base)
		add(p.Column())
	}
	return out
}

// assemble unions covered rows with freshly resolved rows, projected to the
// requested columns, for the requested ids.
func assemble(covered *dataset.Dataset, updates []storage.RowUpdate, requested []string, ids []int64) (*dataset.Dataset, error) {
	out := dataset.New()
	if err := out.Absorb(covered); err != nil {
		return nil, err
	}

	for _, col := range requested {
		if _, ok := out.Column(col); ok {
			continue
		}
		typ := dataset.TypeText
		for _, up := range updates {
			cell, ok := up.Cells[col]
			if !ok || cell.State != dataset.StateValue {
				continue
			}
			if _, t, err := dataset.NormalizeValue(cell.Value); err == nil {
				typ = t
				break
			}
		}
		if err := out.AddColumn(col, typ); err != nil {
			return nil, err
		}
	}

	for _, up := range updates {
		out.EnsureRow(up.ID)
		for _, col := range requested {
			cell, ok := up.Cells[col]
			if !ok {
				continue
			}
			if err := out.SetCell(up.ID, col, cell); err != nil {
				return nil, err
			}
		}
	}

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return out.Project(sorted, requested), nil
}

func (c *Client) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

func (c *Client) met() metrics.Backend {
	return metrics.OrNop(c.Metrics)
}
