// Package mssql is the SQL Server source for the cache fetch seam, over the
// go-mssqldb driver and database/sql.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"rowcache/internal/batch"
	"rowcache/internal/dataset"
	"rowcache/internal/fetcher"
)

func init() {
	fetcher.Register("mssql", func(cfg fetcher.Config) (fetcher.Source, error) {
		return Open(cfg.DSN)
	})
}

// Source fetches whole rows from one SQL Server database.
type Source struct {
	db *sql.DB
}

// Open prepares a source for dsn (the sqlserver:// URL form). The connection
// itself is established lazily by database/sql.
func Open(dsn string) (*Source, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}
	return &Source{db: db}, nil
}

// FetchFunc implements fetcher.Source.
func (s *Source) FetchFunc() batch.FetchFunc {
	return s.fetch
}

// Close implements fetcher.Source.
func (s *Source) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Source) fetch(ctx context.Context, ids []int64, table string) ([]dataset.Record, error) {
	schema, name, err := fetcher.SplitTable(table)
	if err != nil {
		return nil, err
	}

	query, args := BuildSelectSQL(schema, name, ids)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: fetch %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("mssql: fetch %s: %w", table, err)
	}

	var out []dataset.Record
	for rows.Next() {
		raw := make([]any, len(cols))
		scan := make([]any, len(cols))
		for i := range raw {
			scan[i] = &raw[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("mssql: read %s row: %w", table, err)
		}
		rec := make(dataset.Record, len(cols))
		for i, col := range cols {
			rec[col] = normalize(raw[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: fetch %s: %w", table, err)
	}
	return out, nil
}

// BuildSelectSQL selects whole rows for a batch of identifiers. SQL Server
// has no array binding, so the id list expands into @p1..@pN parameters.
func BuildSelectSQL(schema, name string, ids []int64) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(ids))

	b.WriteString("SELECT * FROM ")
	b.WriteString(quoteIdent(schema))
	b.WriteString(".")
	b.WriteString(quoteIdent(name))
	b.WriteString(" WHERE ")
	b.WriteString(quoteIdent(dataset.IDColumn))
	b.WriteString(" IN (")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		args = append(args, id)
	}
	b.WriteString(")")
	return b.String(), args
}

func quoteIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// normalize maps driver scan values onto the vocabulary the cache core
// understands. go-mssqldb returns NVARCHAR as string and VARBINARY as
// []byte; both land as text.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
