// Package fieldpath parses requested column names and extracts nested values
// from raw fetched records.
//
// A requested column is either a direct field ("name") or a derived field
// ("profile.address.city"): a base column holding structured data plus a
// dot-separated path into it. Derived values are materialized as their own
// stored columns, named by the full dotted path.
package fieldpath

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"
)

// Path is a parsed column name.
//
// For a direct field, Segments is empty and Column() == Base.
type Path struct {
	// Base is the stored column the raw value lives in.
	Base string

	// Segments is the extraction path below Base, one element per dotted
	// segment. Empty for direct fields.
	Segments []string
}

// InvalidFieldPathError reports a malformed column name.
//
// It is fatal to the request that supplied the column: nothing is fetched or
// persisted when any requested column fails to parse.
type InvalidFieldPathError struct {
	Column string
	Reason string
}

func (e *InvalidFieldPathError) Error() string {
	return fmt.Sprintf("invalid field path %q: %s", e.Column, e.Reason)
}

// ExtractionError reports a failed derived-field extraction for one value.
//
// Extraction failures are not fatal: the orchestrator records them per
// identifier and stores a failed-cell marker instead of aborting.
type ExtractionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %q: %s", e.Path, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Parse splits a requested column name into a base field and an optional
// extraction path.
//
// Edge cases:
//   - "name"            -> direct field, no extraction path
//   - "vendor.address"  -> base "vendor", path ["address"]
//   - "", ".x", "x.", "a..b" -> *InvalidFieldPathError
func Parse(column string) (Path, error) {
	if column == "" {
		return Path{}, &InvalidFieldPathError{Column: column, Reason: "empty column name"}
	}
	if !strings.Contains(column, ".") {
		return Path{Base: column}, nil
	}

	parts := strings.Split(column, ".")
	for _, p := range parts {
		if p == "" {
			return Path{}, &InvalidFieldPathError{Column: column, Reason: "empty path segment"}
		}
	}
	return Path{Base: parts[0], Segments: parts[1:]}, nil
}

// Column returns the full requested column name, i.e. the name the value is
// stored under after materialization.
func (p Path) Column() string {
	if len(p.Segments) == 0 {
		return p.Base
	}
	return p.Base + "." + strings.Join(p.Segments, ".")
}

// Derived reports whether p carries an extraction path.
func (p Path) Derived() bool { return len(p.Segments) > 0 }

// Extract resolves the path against one raw fetched value.
//
// Behavior:
//   - Text raw values are parsed as JSON first.
//   - Already-structured values (map[string]any) are traversed directly.
//   - The result keeps its shape: nested maps/slices are returned as-is,
//     scalars and nulls pass through.
//
// Errors:
//   - *ExtractionError if the text fails to parse, a segment is missing, or
//     an intermediate value is not a mapping. Callers record these per
//     identifier; they never abort the whole request.
func (p Path) Extract(raw any) (any, error) {
	full := p.Column()

	current, err := structured(raw, full)
	if err != nil {
		return nil, err
	}

	for i, seg := range p.Segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &ExtractionError{
				Path:   full,
				Reason: fmt.Sprintf("segment %q: value at %q is not a mapping", seg, strings.Join(p.Segments[:i], ".")),
			}
		}
		next, ok := m[seg]
		if !ok {
			return nil, &ExtractionError{
				Path:   full,
				Reason: fmt.Sprintf("segment %q not found", seg),
			}
		}
		current = next
	}
	return current, nil
}

// structured normalizes a raw base value into traversable form.
//
// Strings are decoded as JSON (the common wire form for structured columns
// coming out of SQL sources); everything else is passed through for the
// traversal loop to type-check.
func structured(raw any, path string) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	v, err := oj.ParseString(s)
	if err != nil {
		return nil, &ExtractionError{Path: path, Reason: "text value is not valid JSON", Err: err}
	}
	return v, nil
}
