// Package dataset holds the in-memory columnar model shared by the cache
// store, the batch fetcher, and the request orchestrator.
//
// A Dataset is an ordered column schema plus sparse rows keyed by integer
// identifier. Cells carry an explicit state so "never fetched" (absent),
// "fetched and confirmed null", and "derived-field extraction failed" stay
// distinguishable all the way from storage to the assembled result.
package dataset

import (
	"fmt"
	"sort"
	"time"
)

// IDColumn is the identifier column name. It is always present, always typed
// integer, and always first in the schema.
const IDColumn = "id"

// ColumnType is the declared type of a stored column. A column's type is
// fixed when the column is first introduced; later values must be compatible
// or the write fails with *SchemaConflictError.
type ColumnType string

const (
	TypeInteger    ColumnType = "integer"
	TypeReal       ColumnType = "real"
	TypeText       ColumnType = "text"
	TypeBoolean    ColumnType = "boolean"
	TypeStructured ColumnType = "structured"
)

// Column is one schema entry.
type Column struct {
	Name string
	Type ColumnType
}

// CellState tags what a stored cell actually represents.
type CellState int

const (
	// StateAbsent marks a column that was never fetched for this row.
	StateAbsent CellState = iota

	// StateNull marks a fetched value that the source confirmed as null.
	StateNull

	// StateValue marks a plain fetched (or derived) value.
	StateValue

	// StateFailed marks a derived field whose extraction failed for this
	// row. Distinct from absent: the extraction was attempted against
	// fetched data and will not change on re-fetch.
	StateFailed
)

// Cell is one stored cell. Value is meaningful only when State==StateValue.
type Cell struct {
	State CellState
	Value any
}

// Record is one raw fetched record: column name to raw value, as returned by
// the external fetch callback. It must include IDColumn.
type Record map[string]any

// SchemaConflictError reports a value whose type is incompatible with the
// column's previously established type. It fails the merge of the affected
// record only; other records in the same batch still commit.
type SchemaConflictError struct {
	Column   string
	Declared ColumnType
	Got      ColumnType
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("column %q: value type %s conflicts with declared type %s", e.Column, e.Got, e.Declared)
}

// Dataset is an ordered schema plus sparse rows keyed by identifier.
//
// Rows are sparse: a row simply lacking a cell for a schema column reads as
// StateAbsent. That makes schema evolution free — adding a column backfills
// every prior row with the absent marker by construction.
type Dataset struct {
	columns []Column
	index   map[string]int
	rows    map[int64]map[string]Cell
}

// New returns an empty Dataset whose schema contains only the id column.
func New() *Dataset {
	d := &Dataset{
		index: make(map[string]int),
		rows:  make(map[int64]map[string]Cell),
	}
	d.columns = append(d.columns, Column{Name: IDColumn, Type: TypeInteger})
	d.index[IDColumn] = 0
	return d
}

// Columns returns the schema in order, id first.
func (d *Dataset) Columns() []Column {
	out := make([]Column, len(d.columns))
	copy(out, d.columns)
	return out
}

// Column looks up a schema entry by name.
func (d *Dataset) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.columns[i], true
}

// AddColumn introduces a new column with a declared type.
//
// Edge cases:
//   - Adding an existing column with the same type is a no-op.
//   - Adding an existing column with a different type returns
//     *SchemaConflictError.
//   - Prior rows implicitly read StateAbsent for the new column.
func (d *Dataset) AddColumn(name string, typ ColumnType) error {
	if i, ok := d.index[name]; ok {
		if d.columns[i].Type != typ {
			return &SchemaConflictError{Column: name, Declared: d.columns[i].Type, Got: typ}
		}
		return nil
	}
	d.index[name] = len(d.columns)
	d.columns = append(d.columns, Column{Name: name, Type: typ})
	return nil
}

// EnsureRow creates an empty (all-absent) row for id if none exists.
func (d *Dataset) EnsureRow(id int64) {
	if _, ok := d.rows[id]; !ok {
		d.rows[id] = make(map[string]Cell)
	}
}

// SetCell stores a cell. The column must already exist in the schema;
// callers introduce columns via AddColumn first so typing stays explicit.
func (d *Dataset) SetCell(id int64, column string, c Cell) error {
	if _, ok := d.index[column]; !ok {
		return fmt.Errorf("dataset: set cell on unknown column %q", column)
	}
	d.EnsureRow(id)
	if c.State == StateAbsent {
		delete(d.rows[id], column)
		return nil
	}
	d.rows[id][column] = c
	return nil
}

// CellAt reads one cell. Missing rows and missing cells read as absent.
func (d *Dataset) CellAt(id int64, column string) Cell {
	row, ok := d.rows[id]
	if !ok {
		return Cell{State: StateAbsent}
	}
	c, ok := row[column]
	if !ok {
		return Cell{State: StateAbsent}
	}
	return c
}

// HasRow reports whether a row exists for id.
func (d *Dataset) HasRow(id int64) bool {
	_, ok := d.rows[id]
	return ok
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.rows) }

// IDs returns all row identifiers sorted ascending.
func (d *Dataset) IDs() []int64 {
	out := make([]int64, 0, len(d.rows))
	for id := range d.rows {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Project returns a new Dataset holding only the given ids and columns
// (id is always included). Unknown columns and missing ids are skipped;
// callers decide coverage separately.
func (d *Dataset) Project(ids []int64, columns []string) *Dataset {
	out := New()
	for _, name := range columns {
		if name == IDColumn {
			continue
		}
		if col, ok := d.Column(name); ok {
			// Error impossible: out starts empty, so no conflict.
			_ = out.AddColumn(col.Name, col.Type)
		}
	}
	for _, id := range ids {
		row, ok := d.rows[id]
		if !ok {
			continue
		}
		out.EnsureRow(id)
		for _, col := range out.columns[1:] {
			if c, ok := row[col.Name]; ok {
				out.rows[id][col.Name] = c
			}
		}
	}
	return out
}

// Absorb copies every row and column of src into d. Column types must agree;
// rows with the same id are overwritten cell-by-cell.
//
// Used to union covered rows with freshly fetched rows at assembly time.
func (d *Dataset) Absorb(src *Dataset) error {
	for _, col := range src.columns[1:] {
		if err := d.AddColumn(col.Name, col.Type); err != nil {
			return err
		}
	}
	for id, row := range src.rows {
		d.EnsureRow(id)
		for name, c := range row {
			d.rows[id][name] = c
		}
	}
	return nil
}

// NormalizeValue reduces a raw fetched value to the canonical cell value and
// its column type.
//
// Canonical forms:
//   - all integer widths -> int64 (TypeInteger)
//   - float32/float64    -> float64 (TypeReal)
//   - string             -> string (TypeText)
//   - bool               -> bool (TypeBoolean)
//   - time.Time          -> RFC3339Nano string (TypeText)
//   - map[string]any, []any -> unchanged (TypeStructured)
//
// Errors:
//   - Unsupported Go types return an error; the caller turns it into a
//     schema conflict for that record.
func NormalizeValue(v any) (any, ColumnType, error) {
	switch x := v.(type) {
	case int:
		return int64(x), TypeInteger, nil
	case int8:
		return int64(x), TypeInteger, nil
	case int16:
		return int64(x), TypeInteger, nil
	case int32:
		return int64(x), TypeInteger, nil
	case int64:
		return x, TypeInteger, nil
	case uint:
		return int64(x), TypeInteger, nil
	case uint8:
		return int64(x), TypeInteger, nil
	case uint16:
		return int64(x), TypeInteger, nil
	case uint32:
		return int64(x), TypeInteger, nil
	case uint64:
		return int64(x), TypeInteger, nil
	case float32:
		return float64(x), TypeReal, nil
	case float64:
		return x, TypeReal, nil
	case string:
		return x, TypeText, nil
	case bool:
		return x, TypeBoolean, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), TypeText, nil
	case map[string]any:
		return x, TypeStructured, nil
	case []any:
		return x, TypeStructured, nil
	default:
		return nil, "", fmt.Errorf("dataset: unsupported value type %T", v)
	}
}

// CompatibleType reports whether a value of type got may be stored in a
// column declared as want, and the canonical stored type.
//
// Integer values widen into an established real column; nothing else
// crosses types.
func CompatibleType(want, got ColumnType) bool {
	if want == got {
		return true
	}
	return want == TypeReal && got == TypeInteger
}
