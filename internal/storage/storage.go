// Package storage owns the persisted cache: one logical columnar dataset per
// table, physically one or more segment files under a configured root.
//
// The package splits in two layers:
//   - Store: coverage checks, merge-writes with schema evolution, staged
//     commits, and size-based splitting. Backend-agnostic.
//   - Backend: the on-disk encoding of one segment file. Backends register
//     under a kind ("duckdb", "sqlite") and are selected by Config.Kind.
package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"rowcache/internal/dataset"
)

// DefaultSegmentBytes is the per-segment size threshold applied when
// Config.SegmentBytes is unset.
const DefaultSegmentBytes int64 = 64 << 20

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - Root must be non-empty; it is created on first write if missing.
//   - SegmentBytes <= 0 selects DefaultSegmentBytes.
type Config struct {
	Kind         string
	Root         string
	SegmentBytes int64
}

// Validate reports configuration problems before any I/O happens.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Kind) == "" {
		return fmt.Errorf("storage: missing Kind")
	}
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("storage: missing Root")
	}
	return nil
}

// Backend encodes and decodes one segment file.
//
// IMPORTANT: This interface is intentionally minimal. The Store owns
// coverage, merging, splitting, and commit staging; a backend only needs to
// round-trip a dataset through one file, preserving column types and the
// absent / null / value / failed cell states.
type Backend interface {
	// Ext returns the segment file extension, without the leading dot.
	Ext() string

	// ReadSegment decodes the segment at path. A missing file is an error;
	// the Store decides what existence means.
	ReadSegment(ctx context.Context, path string) (*dataset.Dataset, error)

	// WriteSegment encodes ds into a new file at path, replacing any
	// existing file at that path.
	WriteSegment(ctx context.Context, path string, ds *dataset.Dataset) error
}

// Logger is the minimal logging interface used by the storage layer.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

type backendFactory func(cfg Config) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]backendFactory{}
)

// Register registers a segment backend under a kind (e.g. "duckdb").
//
// Call Register from an init() function in a backend package. Registering
// the same kind twice panics, to fail fast on ambiguous backend selection.
func Register(kind string, f backendFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Store using the registered backend factory for cfg.Kind.
//
// Errors:
//   - cfg.Validate() failures.
//   - Unregistered cfg.Kind.
//   - Whatever the backend factory returns.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%q", cfg.Kind)
	}

	backend, err := f(cfg)
	if err != nil {
		return nil, err
	}

	segmentBytes := cfg.SegmentBytes
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}

	return &Store{
		backend:      backend,
		root:         cfg.Root,
		segmentBytes: segmentBytes,
		splitter:     RangeSplitter{},
	}, nil
}

// SafeTableName converts "schema.table" into the filename-safe base used for
// its segment files, e.g. "public.users" -> "public_users".
func SafeTableName(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
