package cache

import (
	"fmt"
	"strings"
)

// InvalidInputError reports malformed request input: identifiers, columns,
// table name, or fetch callback. Detected before any I/O; the request
// persists nothing.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// DataNotFoundError reports identifiers that could not be resolved from
// cache or source. By the time it is returned, every identifier that did
// resolve has already been merge-written, so a retry only re-fetches the
// named ids.
type DataNotFoundError struct {
	IDs []int64
}

func (e *DataNotFoundError) Error() string {
	return fmt.Sprintf("ids not found in cache or source: %v", e.IDs)
}

// ColumnNotFoundError reports requested base columns missing from fetched
// records. Same partial-persist-then-fail policy as DataNotFoundError.
type ColumnNotFoundError struct {
	Columns []string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("columns not available in source: %s", strings.Join(e.Columns, ", "))
}
