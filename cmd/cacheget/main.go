// Command cacheget reads rows through the cache and prints them as JSONL.
//
// Typical use:
//
//	cacheget -table public.users -ids 1,2,3 -columns name,profile.city \
//	  -root /var/cache/rows -store duckdb -source postgres \
//	  -dsn "postgres://..."
//
// Each output line is one row: the id plus the requested columns. Fetched
// nulls print as JSON null; derived fields whose extraction failed are
// listed in a "_failed" array instead of carrying a fake value.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"rowcache/internal/cache"
	"rowcache/internal/dataset"
	"rowcache/internal/fetcher"
	"rowcache/internal/metrics"
	"rowcache/internal/metrics/datadog"
	"rowcache/internal/storage"

	_ "rowcache/internal/fetcher/mssql"
	_ "rowcache/internal/fetcher/postgres"
	_ "rowcache/internal/storage/duckdb"
	_ "rowcache/internal/storage/sqlite"
)

// backendCloser is the minimal interface this command needs from a metrics
// backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenStore      func(cfg storage.Config) (*storage.Store, error)
	OpenSource     func(cfg fetcher.Config) (fetcher.Source, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	Table   string
	IDs     []int64
	Columns []string

	StoreKind    string
	Root         string
	SegmentBytes int64

	SourceKind string
	DSN        string

	Verbose bool

	Datadog    bool
	JobName    string
	DDTagsCSV  string
	FlushEvery time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a
// code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		OpenStore:  storage.Open,
		OpenSource: fetcher.Open,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes the command and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: data error (ids or columns the source does not have).
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.OpenStore == nil || d.OpenSource == nil {
		fmt.Fprintln(d.Stderr, "internal error: missing store/source factory")
		return 2
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var backend metrics.Backend
	if cfg.Datadog {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:cacheget")
		bc, err := d.BackendFactory(ctx, cfg.JobName, tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		defer bc.Close()
		backend = bc
	}

	store, err := d.OpenStore(storage.Config{
		Kind:         cfg.StoreKind,
		Root:         cfg.Root,
		SegmentBytes: cfg.SegmentBytes,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open store: %v\n", err)
		return 2
	}
	store.Metrics = backend

	source, err := d.OpenSource(fetcher.Config{Kind: cfg.SourceKind, DSN: os.ExpandEnv(cfg.DSN)})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open source: %v\n", err)
		return 2
	}
	defer source.Close()

	client := cache.New(store)
	client.Metrics = backend
	if cfg.Verbose {
		logger := log.New(d.Stderr, "", log.LstdFlags)
		client.Logger = logger
		store.Logger = logger
	}

	ds, err := client.GetData(ctx, cfg.IDs, cfg.Columns, cfg.Table, source.FetchFunc())
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		var nf *cache.DataNotFoundError
		var cnf *cache.ColumnNotFoundError
		if errors.As(err, &nf) || errors.As(err, &cnf) {
			return 1
		}
		return 2
	}

	if err := writeJSONL(d.Stdout, ds); err != nil {
		fmt.Fprintf(d.Stderr, "write output: %v\n", err)
		return 2
	}
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("cacheget", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg runConfig
	var idsCSV, columnsCSV string

	fs.StringVar(&cfg.Table, "table", "", "Source table as schema.table (required)")
	fs.StringVar(&idsCSV, "ids", "", "Comma-separated row identifiers (required)")
	fs.StringVar(&columnsCSV, "columns", "", "Comma-separated columns, dots select into structured values (required)")

	fs.StringVar(&cfg.StoreKind, "store", "duckdb", "Cache segment backend: duckdb|sqlite")
	fs.StringVar(&cfg.Root, "root", "", "Cache root directory (required)")
	fs.Int64Var(&cfg.SegmentBytes, "segment-bytes", 0, "Per-segment split threshold in bytes (0 = default)")

	fs.StringVar(&cfg.SourceKind, "source", "postgres", "Data source: postgres|mssql")
	fs.StringVar(&cfg.DSN, "dsn", "", "Source DSN; environment variables are expanded (required)")

	fs.BoolVar(&cfg.Verbose, "v", false, "Log progress to stderr")

	fs.BoolVar(&cfg.Datadog, "dd", false, "Enable Datadog metrics")
	fs.StringVar(&cfg.JobName, "dd-job", "cacheget", "Datadog job name tag")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags as k:v,k:v")
	fs.DurationVar(&cfg.FlushEvery, "dd-flush-every", 15*time.Second, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, fmt.Errorf("cacheget: %w", err)
	}

	if cfg.Table == "" || idsCSV == "" || columnsCSV == "" || cfg.Root == "" || cfg.DSN == "" {
		return runConfig{}, fmt.Errorf("cacheget: -table, -ids, -columns, -root and -dsn are required")
	}

	ids, err := parseIDs(idsCSV)
	if err != nil {
		return runConfig{}, err
	}
	cfg.IDs = ids
	cfg.Columns = splitCSV(columnsCSV)
	return cfg, nil
}

func parseIDs(csv string) ([]int64, error) {
	parts := splitCSV(csv)
	if len(parts) == 0 {
		return nil, fmt.Errorf("cacheget: -ids is empty")
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cacheget: bad id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeJSONL prints one JSON object per row, ids ascending.
func writeJSONL(w io.Writer, ds *dataset.Dataset) error {
	enc := json.NewEncoder(w)
	for _, id := range ds.IDs() {
		obj, failed := rowObject(ds, id)
		if len(failed) > 0 {
			obj["_failed"] = failed
		}
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	return nil
}

func rowObject(ds *dataset.Dataset, id int64) (map[string]any, []string) {
	obj := map[string]any{dataset.IDColumn: id}
	var failed []string
	for _, c := range ds.Columns()[1:] {
		cell := ds.CellAt(id, c.Name)
		switch cell.State {
		case dataset.StateValue:
			obj[c.Name] = cell.Value
		case dataset.StateNull:
			obj[c.Name] = nil
		case dataset.StateFailed:
			failed = append(failed, c.Name)
		}
	}
	return obj, failed
}
