package batch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"rowcache/internal/dataset"
)

func TestSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		missing int
		want    int
	}{
		{missing: 0, want: 100},
		{missing: -1, want: 100},
		{missing: 1, want: 100},
		{missing: 50, want: 100},
		{missing: 500, want: 100},
		{missing: 10000, want: 100},
		{missing: 10001, want: 101},
		{missing: 15000, want: 150},
		{missing: 1000000, want: 10000},
	}
	for _, tt := range tests {
		if got := Size(tt.missing); got != tt.want {
			t.Errorf("Size(%d)=%d, want %d", tt.missing, got, tt.want)
		}
	}
}

type fakeLogger struct {
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func rangeIDs(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestFetchAllEmpty(t *testing.T) {
	t.Parallel()

	c := &Coordinator{}
	calls := 0
	records, failures := c.FetchAll(context.Background(), nil, "public.users", func(ctx context.Context, ids []int64, table string) ([]dataset.Record, error) {
		calls++
		return nil, nil
	})
	if calls != 0 || records != nil || failures != nil {
		t.Fatalf("FetchAll(empty) calls=%d records=%v failures=%v, want no work", calls, records, failures)
	}
}

func TestFetchAllSequentialChunks(t *testing.T) {
	t.Parallel()

	// 250 ids at batch size 100 -> chunks of 100, 100, 50, in order.
	ids := rangeIDs(250)
	var gotChunks [][]int64

	c := &Coordinator{}
	records, failures := c.FetchAll(context.Background(), ids, "public.users", func(ctx context.Context, chunk []int64, table string) ([]dataset.Record, error) {
		gotChunks = append(gotChunks, append([]int64(nil), chunk...))
		out := make([]dataset.Record, 0, len(chunk))
		for _, id := range chunk {
			out = append(out, dataset.Record{"id": id})
		}
		return out, nil
	})

	if len(failures) != 0 {
		t.Fatalf("failures=%v, want none", failures)
	}
	if len(records) != 250 {
		t.Fatalf("records=%d, want 250", len(records))
	}
	if len(gotChunks) != 3 || len(gotChunks[0]) != 100 || len(gotChunks[1]) != 100 || len(gotChunks[2]) != 50 {
		t.Fatalf("chunk sizes=%v, want [100 100 50]", chunkSizes(gotChunks))
	}
	if gotChunks[0][0] != 1 || gotChunks[1][0] != 101 || gotChunks[2][0] != 201 {
		t.Fatalf("chunks out of order: firsts=%d,%d,%d", gotChunks[0][0], gotChunks[1][0], gotChunks[2][0])
	}
}

func TestFetchAllIsolatesBatchFailure(t *testing.T) {
	t.Parallel()

	ids := rangeIDs(250)
	boom := errors.New("source down")
	call := 0

	log := &fakeLogger{}
	c := &Coordinator{Logger: log}
	records, failures := c.FetchAll(context.Background(), ids, "public.users", func(ctx context.Context, chunk []int64, table string) ([]dataset.Record, error) {
		call++
		if call == 2 {
			return nil, boom
		}
		out := make([]dataset.Record, 0, len(chunk))
		for _, id := range chunk {
			out = append(out, dataset.Record{"id": id})
		}
		return out, nil
	})

	if call != 3 {
		t.Fatalf("calls=%d, want all 3 batches attempted", call)
	}
	if len(records) != 150 {
		t.Fatalf("records=%d, want 150 from surviving batches", len(records))
	}
	if len(failures) != 1 {
		t.Fatalf("failures=%v, want one", failures)
	}
	f := failures[0]
	if f.Batch != 1 || !errors.Is(&f, boom) {
		t.Fatalf("failure=%+v, want batch 1 wrapping cause", f)
	}
	if !reflect.DeepEqual(f.IDs, ids[100:200]) {
		t.Fatalf("failure ids=%v, want the failed chunk", f.IDs)
	}

	// Progress lines cover every batch, including the failed one.
	var progress int
	for _, m := range log.msgs {
		if strings.Contains(m, "progress=") {
			progress++
		}
	}
	if progress != 3 {
		t.Fatalf("progress lines=%d, want 3", progress)
	}
	if !strings.Contains(strings.Join(log.msgs, "\n"), "progress=250/250") {
		t.Fatalf("missing final progress line in %v", log.msgs)
	}
}

func TestFetchAllStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ids := rangeIDs(250)
	ctx, cancel := context.WithCancel(context.Background())

	call := 0
	c := &Coordinator{}
	records, failures := c.FetchAll(ctx, ids, "public.users", func(ctx context.Context, chunk []int64, table string) ([]dataset.Record, error) {
		call++
		if call == 1 {
			cancel() // takes effect before the next batch starts
		}
		out := make([]dataset.Record, 0, len(chunk))
		for _, id := range chunk {
			out = append(out, dataset.Record{"id": id})
		}
		return out, nil
	})

	if call != 1 {
		t.Fatalf("calls=%d, want 1 (no new batch after cancel)", call)
	}
	if len(records) != 100 {
		t.Fatalf("records=%d, want 100", len(records))
	}
	if len(failures) != 1 || !errors.Is(failures[0].Err, context.Canceled) {
		t.Fatalf("failures=%v, want one canceled", failures)
	}
	if len(failures[0].IDs) != 150 {
		t.Fatalf("failure covers %d ids, want remaining 150", len(failures[0].IDs))
	}
}

func chunkSizes(chunks [][]int64) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}
