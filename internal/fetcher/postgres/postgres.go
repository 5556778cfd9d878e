// Package postgres is the PostgreSQL source for the cache fetch seam.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rowcache/internal/batch"
	"rowcache/internal/dataset"
	"rowcache/internal/fetcher"
)

func init() {
	fetcher.Register("postgres", func(cfg fetcher.Config) (fetcher.Source, error) {
		return Open(context.Background(), cfg.DSN)
	})
}

// Source fetches whole rows from one PostgreSQL database via a pgx pool.
type Source struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready source.
func Open(ctx context.Context, dsn string) (*Source, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Source{pool: pool}, nil
}

// FetchFunc implements fetcher.Source.
func (s *Source) FetchFunc() batch.FetchFunc {
	return s.fetch
}

// Close implements fetcher.Source.
func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Source) fetch(ctx context.Context, ids []int64, table string) ([]dataset.Record, error) {
	schema, name, err := fetcher.SplitTable(table)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, BuildSelectSQL(schema, name), ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch %s: %w", table, err)
	}
	defer rows.Close()

	var out []dataset.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: read %s row: %w", table, err)
		}
		fields := rows.FieldDescriptions()
		rec := make(dataset.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = normalize(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch %s: %w", table, err)
	}
	return out, nil
}

// BuildSelectSQL selects whole rows for a batch of identifiers. The id slice
// binds as a single array parameter; pgx expands it server-side.
func BuildSelectSQL(schema, name string) string {
	return fmt.Sprintf("SELECT * FROM %s.%s WHERE %s = ANY($1)",
		quoteIdent(schema), quoteIdent(name), quoteIdent(dataset.IDColumn))
}

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// normalize maps driver-specific scan values onto the vocabulary the cache
// core understands. pgx hands jsonb back as map[string]any / []any already;
// bytea comes back as []byte and is carried as text.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x
	default:
		return v
	}
}
