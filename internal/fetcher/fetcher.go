// Package fetcher provides ready-made fetch callbacks over SQL sources.
//
// The cache core is source-agnostic: it only sees a FetchFunc. This package
// is the production implementation of that seam for the two sources we pull
// from, selected by kind the same way storage backends are.
package fetcher

import (
	"fmt"
	"strings"
	"sync"

	"rowcache/internal/batch"
)

// Config selects and configures a source.
//
// Edge cases:
//   - Kind must match a registered source kind ("postgres", "mssql").
//   - DSN is passed to the driver untouched; environment expansion is the
//     caller's concern.
type Config struct {
	Kind string
	DSN  string
}

// Validate reports configuration problems before any connection happens.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Kind) == "" {
		return fmt.Errorf("fetcher: missing Kind")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("fetcher: missing DSN")
	}
	return nil
}

// Source is an open connection to one data source.
//
// FetchFunc returns the callback handed to the cache: one record per
// identifier the source knows, identifiers unknown to the source simply
// omitted. Close releases the underlying pool.
type Source interface {
	FetchFunc() batch.FetchFunc
	Close() error
}

type sourceFactory func(cfg Config) (Source, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]sourceFactory{}
)

// Register registers a source factory under a kind. Call it from an init()
// function in a source package; registering the same kind twice panics.
func Register(kind string, f sourceFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("fetcher: Register called with empty kind")
	}
	if f == nil {
		panic("fetcher: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("fetcher: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open connects to the source selected by cfg.Kind.
func Open(cfg Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("fetcher: unsupported kind=%q", cfg.Kind)
	}
	return f(cfg)
}

// SplitTable splits a validated "schema.table" name. The orchestrator
// validates the shape before any fetch runs; this only carries the pieces to
// the per-source quoting.
func SplitTable(table string) (schema, name string, err error) {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("fetcher: table %q is not in schema.table form", table)
	}
	return parts[0], parts[1], nil
}
