// Package duckdb implements the default segment backend over DuckDB.
//
// Same logical layout as the sqlite backend — a cache_schema registry table
// plus a rows table with natively typed data columns and "_absent"/"_failed"
// JSON marker columns — but with DuckDB's columnar file format, which
// compresses wide sparse tables far better than row-oriented SQLite.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/ohler55/ojg/oj"

	"rowcache/internal/dataset"
	"rowcache/internal/storage"
)

func init() {
	storage.Register("duckdb", New)
}

// Backend implements storage.Backend for DuckDB segment files.
type Backend struct{}

// New is the storage registry factory.
func New(cfg storage.Config) (storage.Backend, error) {
	return &Backend{}, nil
}

// Ext implements storage.Backend.
func (*Backend) Ext() string { return "duckdb" }

const (
	markerAbsent = "_absent"
	markerFailed = "_failed"
)

func sqlType(t dataset.ColumnType) string {
	switch t {
	case dataset.TypeInteger:
		return "BIGINT"
	case dataset.TypeReal:
		return "DOUBLE"
	case dataset.TypeBoolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// WriteSegment implements storage.Backend.
func (*Backend) WriteSegment(ctx context.Context, path string, ds *dataset.Dataset) error {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return err
	}
	defer db.Close()

	cols := ds.Columns()
	dataCols := cols[1:]

	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE rows (")
	ddl.WriteString(sqlIdent(dataset.IDColumn))
	ddl.WriteString(" BIGINT PRIMARY KEY")
	for _, c := range dataCols {
		ddl.WriteString(", ")
		ddl.WriteString(sqlIdent(c.Name))
		ddl.WriteString(" ")
		ddl.WriteString(sqlType(c.Type))
	}
	ddl.WriteString(", ")
	ddl.WriteString(sqlIdent(markerAbsent))
	ddl.WriteString(" VARCHAR, ")
	ddl.WriteString(sqlIdent(markerFailed))
	ddl.WriteString(" VARCHAR)")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE cache_schema (ordinal INTEGER NOT NULL, name VARCHAR NOT NULL, coltype VARCHAR NOT NULL)"); err != nil {
		return fmt.Errorf("duckdb: create schema table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("duckdb: create rows table: %w", err)
	}

	for i, c := range cols {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cache_schema (ordinal, name, coltype) VALUES (?, ?, ?)",
			i, c.Name, string(c.Type)); err != nil {
			return fmt.Errorf("duckdb: record schema: %w", err)
		}
	}

	insert := buildInsertSQL(dataCols)
	for _, id := range ds.IDs() {
		args, err := rowArgs(ds, id, dataCols)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("duckdb: insert row %d: %w", id, err)
		}
	}

	return tx.Commit()
}

func buildInsertSQL(dataCols []dataset.Column) string {
	var b strings.Builder
	b.WriteString("INSERT INTO rows (")
	b.WriteString(sqlIdent(dataset.IDColumn))
	for _, c := range dataCols {
		b.WriteString(", ")
		b.WriteString(sqlIdent(c.Name))
	}
	b.WriteString(", ")
	b.WriteString(sqlIdent(markerAbsent))
	b.WriteString(", ")
	b.WriteString(sqlIdent(markerFailed))
	b.WriteString(") VALUES (?")
	for i := 0; i < len(dataCols)+2; i++ {
		b.WriteString(", ?")
	}
	b.WriteString(")")
	return b.String()
}

func rowArgs(ds *dataset.Dataset, id int64, dataCols []dataset.Column) ([]any, error) {
	args := make([]any, 0, len(dataCols)+3)
	args = append(args, id)

	var absent, failed []string
	for _, c := range dataCols {
		cell := ds.CellAt(id, c.Name)
		switch cell.State {
		case dataset.StateAbsent:
			absent = append(absent, c.Name)
			args = append(args, nil)
		case dataset.StateNull:
			args = append(args, nil)
		case dataset.StateFailed:
			failed = append(failed, c.Name)
			args = append(args, nil)
		case dataset.StateValue:
			v, err := encodeValue(cell.Value, c.Type)
			if err != nil {
				return nil, fmt.Errorf("duckdb: row %d column %q: %w", id, c.Name, err)
			}
			args = append(args, v)
		}
	}

	args = append(args, encodeNames(absent), encodeNames(failed))
	return args, nil
}

func encodeNames(names []string) any {
	if len(names) == 0 {
		return nil
	}
	return oj.JSON(names)
}

func encodeValue(v any, t dataset.ColumnType) (any, error) {
	if t == dataset.TypeStructured {
		return oj.JSON(v), nil
	}
	switch v.(type) {
	case int64, float64, string, bool:
		return v, nil
	default:
		return nil, fmt.Errorf("unencodable value type %T", v)
	}
}

// ReadSegment implements storage.Backend.
func (*Backend) ReadSegment(ctx context.Context, path string) (*dataset.Dataset, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cols, err := readSchema(ctx, db)
	if err != nil {
		return nil, err
	}

	ds := dataset.New()
	for _, c := range cols {
		if c.Name == dataset.IDColumn {
			continue
		}
		if err := ds.AddColumn(c.Name, c.Type); err != nil {
			return nil, err
		}
	}

	var sel strings.Builder
	sel.WriteString("SELECT ")
	sel.WriteString(sqlIdent(dataset.IDColumn))
	dataCols := ds.Columns()[1:]
	for _, c := range dataCols {
		sel.WriteString(", ")
		sel.WriteString(sqlIdent(c.Name))
	}
	sel.WriteString(", ")
	sel.WriteString(sqlIdent(markerAbsent))
	sel.WriteString(", ")
	sel.WriteString(sqlIdent(markerFailed))
	sel.WriteString(" FROM rows")

	rows, err := db.QueryContext(ctx, sel.String())
	if err != nil {
		return nil, fmt.Errorf("duckdb: read rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var absentJSON, failedJSON sql.NullString

		raw := make([]any, len(dataCols))
		scan := make([]any, 0, len(dataCols)+3)
		scan = append(scan, &id)
		for i := range raw {
			scan = append(scan, &raw[i])
		}
		scan = append(scan, &absentJSON, &failedJSON)

		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("duckdb: scan row: %w", err)
		}

		absent, err := decodeNames(absentJSON)
		if err != nil {
			return nil, err
		}
		failed, err := decodeNames(failedJSON)
		if err != nil {
			return nil, err
		}

		ds.EnsureRow(id)
		for i, c := range dataCols {
			cell, err := decodeCell(raw[i], c, absent, failed)
			if err != nil {
				return nil, fmt.Errorf("duckdb: row %d column %q: %w", id, c.Name, err)
			}
			if cell.State == dataset.StateAbsent {
				continue
			}
			if err := ds.SetCell(id, c.Name, cell); err != nil {
				return nil, err
			}
		}
	}
	return ds, rows.Err()
}

type schemaCol struct {
	Name string
	Type dataset.ColumnType
}

func readSchema(ctx context.Context, db *sql.DB) ([]schemaCol, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, coltype FROM cache_schema ORDER BY ordinal")
	if err != nil {
		return nil, fmt.Errorf("duckdb: read schema: %w", err)
	}
	defer rows.Close()

	var out []schemaCol
	for rows.Next() {
		var c schemaCol
		var typ string
		if err := rows.Scan(&c.Name, &typ); err != nil {
			return nil, err
		}
		c.Type = dataset.ColumnType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeNames(ns sql.NullString) (map[string]bool, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	v, err := oj.ParseString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("duckdb: marker column: %w", err)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("duckdb: marker column is not a list")
	}
	out := make(map[string]bool, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("duckdb: marker entry is not a string")
		}
		out[s] = true
	}
	return out, nil
}

func decodeCell(raw any, c dataset.Column, absent, failed map[string]bool) (dataset.Cell, error) {
	if absent[c.Name] {
		return dataset.Cell{State: dataset.StateAbsent}, nil
	}
	if failed[c.Name] {
		return dataset.Cell{State: dataset.StateFailed}, nil
	}
	if raw == nil {
		return dataset.Cell{State: dataset.StateNull}, nil
	}

	v, err := decodeValue(raw, c.Type)
	if err != nil {
		return dataset.Cell{}, err
	}
	return dataset.Cell{State: dataset.StateValue, Value: v}, nil
}

func decodeValue(raw any, t dataset.ColumnType) (any, error) {
	switch t {
	case dataset.TypeInteger:
		switch n := raw.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		}
	case dataset.TypeReal:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		}
	case dataset.TypeBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case dataset.TypeText:
		switch s := raw.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case dataset.TypeStructured:
		var text string
		switch s := raw.(type) {
		case string:
			text = s
		case []byte:
			text = string(s)
		default:
			return nil, fmt.Errorf("stored structured value has type %T", raw)
		}
		return oj.ParseString(text)
	}
	return nil, fmt.Errorf("stored value %T does not match declared type %s", raw, t)
}
