package storage

// Splitter decides how a table's rows are partitioned across segment files
// when the size threshold is crossed. Alternative strategies (insertion
// order, hash) can be substituted without touching coverage or merge logic.
type Splitter interface {
	// Partition divides ids (sorted ascending) into n consecutive,
	// non-empty groups. When n exceeds len(ids), fewer groups may be
	// returned; the Store treats the result length as authoritative.
	Partition(ids []int64, n int) [][]int64
}

// RangeSplitter partitions rows into contiguous identifier ranges of
// near-equal row count. It is the default strategy.
type RangeSplitter struct{}

// Partition implements Splitter.
func (RangeSplitter) Partition(ids []int64, n int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(ids) {
		n = len(ids)
	}

	out := make([][]int64, 0, n)
	per := len(ids) / n
	rem := len(ids) % n

	start := 0
	for i := 0; i < n; i++ {
		size := per
		if i < rem {
			size++
		}
		out = append(out, ids[start:start+size])
		start += size
	}
	return out
}
