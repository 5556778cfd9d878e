package duckdb

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"rowcache/internal/dataset"
	"rowcache/internal/storage"
)

func newSegment(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "public_users.part0000.duckdb")
}

func buildDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds := dataset.New()
	for _, c := range []struct {
		name string
		typ  dataset.ColumnType
	}{
		{"age", dataset.TypeInteger},
		{"score", dataset.TypeReal},
		{"name", dataset.TypeText},
		{"active", dataset.TypeBoolean},
		{"profile", dataset.TypeStructured},
	} {
		if err := ds.AddColumn(c.name, c.typ); err != nil {
			t.Fatalf("AddColumn(%s): %v", c.name, err)
		}
	}

	set := func(id int64, col string, cell dataset.Cell) {
		t.Helper()
		ds.EnsureRow(id)
		if err := ds.SetCell(id, col, cell); err != nil {
			t.Fatalf("SetCell(%d, %s): %v", id, col, err)
		}
	}

	set(1, "age", dataset.Cell{State: dataset.StateValue, Value: int64(33)})
	set(1, "score", dataset.Cell{State: dataset.StateValue, Value: 12.5})
	set(1, "name", dataset.Cell{State: dataset.StateValue, Value: "ada"})
	set(1, "active", dataset.Cell{State: dataset.StateValue, Value: true})
	set(1, "profile", dataset.Cell{State: dataset.StateValue, Value: map[string]any{
		"city": "oslo",
		"geo":  map[string]any{"lat": 59.9, "pop": int64(700000)},
	}})

	set(2, "score", dataset.Cell{State: dataset.StateNull})
	set(2, "name", dataset.Cell{State: dataset.StateFailed})
	set(2, "active", dataset.Cell{State: dataset.StateValue, Value: false})
	set(2, "profile", dataset.Cell{State: dataset.StateNull})

	ds.EnsureRow(3)

	return ds
}

func TestSegmentRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := New(storage.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	path := newSegment(t)
	ds := buildDataset(t)

	if err := b.WriteSegment(ctx, path, ds); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	got, err := b.ReadSegment(ctx, path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}

	if !reflect.DeepEqual(got.Columns(), ds.Columns()) {
		t.Fatalf("columns = %v, want %v", got.Columns(), ds.Columns())
	}
	if !reflect.DeepEqual(got.IDs(), ds.IDs()) {
		t.Fatalf("ids = %v, want %v", got.IDs(), ds.IDs())
	}
	for _, id := range ds.IDs() {
		for _, c := range ds.Columns()[1:] {
			want := ds.CellAt(id, c.Name)
			have := got.CellAt(id, c.Name)
			if !reflect.DeepEqual(have, want) {
				t.Errorf("row %d column %s = %+v, want %+v", id, c.Name, have, want)
			}
		}
	}
}

func TestSegmentRoundTripEmpty(t *testing.T) {
	t.Parallel()

	b, err := New(storage.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	path := newSegment(t)

	if err := b.WriteSegment(ctx, path, dataset.New()); err != nil {
		t.Fatalf("WriteSegment(empty): %v", err)
	}
	got, err := b.ReadSegment(ctx, path)
	if err != nil {
		t.Fatalf("ReadSegment(empty): %v", err)
	}
	if got.Len() != 0 {
		t.Fatalf("rows = %d, want 0", got.Len())
	}
}

func TestRegisteredWithStorage(t *testing.T) {
	t.Parallel()

	s, err := storage.Open(storage.Config{Kind: "duckdb", Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s == nil {
		t.Fatal("Open returned nil store")
	}
}
