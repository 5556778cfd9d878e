package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"testing"

	"rowcache/internal/dataset"
	"rowcache/internal/fieldpath"
	"rowcache/internal/storage"
)

// jsonBackend round-trips segments through JSON files so orchestrator
// behavior can be tested without a database driver.
type jsonBackend struct{}

type jsonSegment struct {
	Columns []jsonColumn          `json:"columns"`
	Rows    map[int64]jsonRowData `json:"rows"`
}

type jsonColumn struct {
	Name string             `json:"name"`
	Type dataset.ColumnType `json:"type"`
}

type jsonRowData map[string]jsonCell

type jsonCell struct {
	State dataset.CellState `json:"state"`
	Value any               `json:"value,omitempty"`
}

func init() {
	storage.Register("jsontest", func(storage.Config) (storage.Backend, error) {
		return jsonBackend{}, nil
	})
}

func (jsonBackend) Ext() string { return "jseg" }

func (jsonBackend) WriteSegment(ctx context.Context, path string, ds *dataset.Dataset) error {
	seg := jsonSegment{Rows: map[int64]jsonRowData{}}
	for _, c := range ds.Columns() {
		seg.Columns = append(seg.Columns, jsonColumn{Name: c.Name, Type: c.Type})
	}
	for _, id := range ds.IDs() {
		row := jsonRowData{}
		for _, c := range ds.Columns()[1:] {
			cell := ds.CellAt(id, c.Name)
			if cell.State == dataset.StateAbsent {
				continue
			}
			row[c.Name] = jsonCell{State: cell.State, Value: cell.Value}
		}
		seg.Rows[id] = row
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (jsonBackend) ReadSegment(ctx context.Context, path string) (*dataset.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seg jsonSegment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, err
	}

	ds := dataset.New()
	for _, c := range seg.Columns {
		if c.Name == dataset.IDColumn {
			continue
		}
		if err := ds.AddColumn(c.Name, c.Type); err != nil {
			return nil, err
		}
	}
	for id, row := range seg.Rows {
		ds.EnsureRow(id)
		for name, cell := range row {
			col, _ := ds.Column(name)
			v := cell.Value
			if f, ok := v.(float64); ok && col.Type == dataset.TypeInteger {
				v = int64(f)
			}
			if err := ds.SetCell(id, name, dataset.Cell{State: cell.State, Value: v}); err != nil {
				return nil, err
			}
		}
	}
	return ds, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store, err := storage.Open(storage.Config{Kind: "jsontest", Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(store)
}

// countingSource serves records by id and counts which ids each GetData run
// actually fetched.
type countingSource struct {
	records map[int64]dataset.Record
	calls   int
	fetched []int64
}

func (s *countingSource) fetch(ctx context.Context, ids []int64, table string) ([]dataset.Record, error) {
	s.calls++
	s.fetched = append(s.fetched, ids...)
	var out []dataset.Record
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestGetDataEmptyCacheThenHit(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada"},
		2: {"id": int64(2), "name": "bob"},
		3: {"id": int64(3), "name": "cyd"},
	}}

	ds, err := c.GetData(context.Background(), []int64{3, 1, 2}, []string{"name"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}
	if src.calls != 1 {
		t.Fatalf("fetch calls=%d, want 1", src.calls)
	}
	if !reflect.DeepEqual(ds.IDs(), []int64{1, 2, 3}) {
		t.Fatalf("ids=%v, want sorted [1 2 3]", ds.IDs())
	}
	if got := ds.CellAt(2, "name"); got.Value != "bob" {
		t.Fatalf("cell(2,name)=%+v, want bob", got)
	}

	// Same request again is a pure cache hit.
	src.calls = 0
	ds, err = c.GetData(context.Background(), []int64{1, 2, 3}, []string{"name"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData (cached) err=%v", err)
	}
	if src.calls != 0 {
		t.Fatalf("fetch calls=%d after warm cache, want 0", src.calls)
	}
	if ds.Len() != 3 {
		t.Fatalf("rows=%d, want 3", ds.Len())
	}
}

func TestGetDataPartialRowRefetchedWhole(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada", "age": int64(36)},
		2: {"id": int64(2), "name": "bob", "age": int64(41)},
	}}
	ctx := context.Background()

	// Seed id 1 with name only.
	if _, err := c.GetData(ctx, []int64{1}, []string{"name"}, "public.users", src.fetch); err != nil {
		t.Fatalf("seed err=%v", err)
	}

	// Asking for name+age re-fetches id 1 whole alongside id 2.
	src.fetched = nil
	ds, err := c.GetData(ctx, []int64{1, 2}, []string{"name", "age"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}
	if !reflect.DeepEqual(src.fetched, []int64{1, 2}) {
		t.Fatalf("fetched=%v, want both ids re-fetched", src.fetched)
	}
	for _, id := range []int64{1, 2} {
		if got := ds.CellAt(id, "age"); got.State != dataset.StateValue {
			t.Fatalf("cell(%d,age)=%+v, want value", id, got)
		}
	}
}

func TestGetDataDerivedFieldExtraction(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "profile": `{"city": "oslo", "zip": 1234}`},
		2: {"id": int64(2), "profile": `{"zip": 9999}`},
		3: {"id": int64(3), "profile": nil},
	}}
	ctx := context.Background()

	ds, err := c.GetData(ctx, []int64{1, 2, 3}, []string{"profile.city"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}

	if got := ds.CellAt(1, "profile.city"); got.Value != "oslo" {
		t.Fatalf("cell(1)=%+v, want oslo", got)
	}
	// A missing key inside valid fetched data is an extraction failure, not
	// an error; the marker is part of the result.
	if got := ds.CellAt(2, "profile.city"); got.State != dataset.StateFailed {
		t.Fatalf("cell(2)=%+v, want failed marker", got)
	}
	if got := ds.CellAt(3, "profile.city"); got.State != dataset.StateNull {
		t.Fatalf("cell(3)=%+v, want null from null base", got)
	}

	// The raw base column was persisted alongside the derived one, so asking
	// for it later is a cache hit.
	src.calls = 0
	if _, err := c.GetData(ctx, []int64{1, 2, 3}, []string{"profile"}, "public.users", src.fetch); err != nil {
		t.Fatalf("GetData (base) err=%v", err)
	}
	if src.calls != 0 {
		t.Fatalf("fetch calls=%d for persisted base column, want 0", src.calls)
	}

	// So is the derived column itself, failure markers included.
	src.calls = 0
	ds, err = c.GetData(ctx, []int64{1, 2, 3}, []string{"profile.city"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData (derived, cached) err=%v", err)
	}
	if src.calls != 0 {
		t.Fatalf("fetch calls=%d for cached derived column, want 0", src.calls)
	}
	if got := ds.CellAt(2, "profile.city"); got.State != dataset.StateFailed {
		t.Fatalf("cached cell(2)=%+v, want failed marker preserved", got)
	}
}

func TestGetDataStructuredBase(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "profile": map[string]any{"city": "oslo"}},
	}}

	ds, err := c.GetData(context.Background(), []int64{1}, []string{"profile.city"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}
	if got := ds.CellAt(1, "profile.city"); got.Value != "oslo" {
		t.Fatalf("cell=%+v, want oslo from structured base", got)
	}
}

func TestGetDataNotFoundAfterPartialPersist(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada"},
	}}
	ctx := context.Background()

	_, err := c.GetData(ctx, []int64{1, 999}, []string{"name"}, "public.users", src.fetch)
	var nf *DataNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err=%v, want *DataNotFoundError", err)
	}
	if !reflect.DeepEqual(nf.IDs, []int64{999}) {
		t.Fatalf("not-found ids=%v, want [999]", nf.IDs)
	}

	// Id 1 was persisted before the error: retrying it alone hits cache.
	src.calls = 0
	if _, err := c.GetData(ctx, []int64{1}, []string{"name"}, "public.users", src.fetch); err != nil {
		t.Fatalf("retry err=%v", err)
	}
	if src.calls != 0 {
		t.Fatalf("fetch calls=%d on retry of persisted id, want 0", src.calls)
	}
}

func TestGetDataColumnNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada"},
	}}

	_, err := c.GetData(context.Background(), []int64{1}, []string{"name", "salary"}, "public.users", src.fetch)
	var cnf *ColumnNotFoundError
	if !errors.As(err, &cnf) {
		t.Fatalf("err=%v, want *ColumnNotFoundError", err)
	}
	if !reflect.DeepEqual(cnf.Columns, []string{"salary"}) {
		t.Fatalf("columns=%v, want [salary]", cnf.Columns)
	}
}

func TestGetDataDuplicateIDsAndColumns(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada"},
	}}

	ds, err := c.GetData(context.Background(), []int64{1, 1, 1}, []string{"name", "name"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}
	if !reflect.DeepEqual(src.fetched, []int64{1}) {
		t.Fatalf("fetched=%v, want deduplicated [1]", src.fetched)
	}
	if ds.Len() != 1 || len(ds.Columns()) != 2 {
		t.Fatalf("rows=%d cols=%d, want 1 row and id+name", ds.Len(), len(ds.Columns()))
	}
}

func TestGetDataEmptyIDs(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	ds, err := c.GetData(context.Background(), nil, []string{"name"}, "public.users", nil)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}
	if ds.Len() != 0 {
		t.Fatalf("rows=%d, want empty dataset", ds.Len())
	}
}

func TestGetDataInvalidInput(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	noop := func(context.Context, []int64, string) ([]dataset.Record, error) { return nil, nil }

	tests := []struct {
		name    string
		ids     []int64
		columns []string
		table   string
		fetch   FetchFunc
	}{
		{name: "no columns", ids: []int64{1}, columns: nil, table: "public.users", fetch: noop},
		{name: "id requested", ids: []int64{1}, columns: []string{"id"}, table: "public.users", fetch: noop},
		{name: "bad table", ids: []int64{1}, columns: []string{"name"}, table: "users", fetch: noop},
		{name: "nil fetch", ids: []int64{1}, columns: []string{"name"}, table: "public.users", fetch: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.GetData(context.Background(), tt.ids, tt.columns, tt.table, tt.fetch)
			var inv *InvalidInputError
			if !errors.As(err, &inv) {
				t.Fatalf("err=%v, want *InvalidInputError", err)
			}
		})
	}

	// Malformed field paths surface the fieldpath error unchanged.
	_, err := c.GetData(context.Background(), []int64{1}, []string{"profile..city"}, "public.users", noop)
	var fp *fieldpath.InvalidFieldPathError
	if !errors.As(err, &fp) {
		t.Fatalf("err=%v, want *fieldpath.InvalidFieldPathError", err)
	}
}

func TestGetDataFailedBatchLeavesIDsUnresolved(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	boom := errors.New("source down")
	calls := 0
	fetch := func(ctx context.Context, ids []int64, table string) ([]dataset.Record, error) {
		calls++
		return nil, boom
	}

	_, err := c.GetData(context.Background(), []int64{1, 2}, []string{"name"}, "public.users", fetch)
	var nf *DataNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err=%v, want *DataNotFoundError for the failed batch's ids", err)
	}
	if !reflect.DeepEqual(nf.IDs, []int64{1, 2}) {
		t.Fatalf("not-found ids=%v, want [1 2]", nf.IDs)
	}
	if calls != 1 {
		t.Fatalf("fetch calls=%d, want 1", calls)
	}
}

func TestGetDataResultShape(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	src := &countingSource{records: map[int64]dataset.Record{
		1: {"id": int64(1), "name": "ada", "age": int64(36), "extra": "ignored"},
	}}

	ds, err := c.GetData(context.Background(), []int64{1}, []string{"name"}, "public.users", src.fetch)
	if err != nil {
		t.Fatalf("GetData err=%v", err)
	}

	// Exactly id + requested columns, nothing the fetch happened to return.
	want := []dataset.Column{
		{Name: dataset.IDColumn, Type: dataset.TypeInteger},
		{Name: "name", Type: dataset.TypeText},
	}
	if !reflect.DeepEqual(ds.Columns(), want) {
		t.Fatalf("columns=%v, want %v", ds.Columns(), want)
	}
}
