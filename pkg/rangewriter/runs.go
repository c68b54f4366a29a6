// Package rangewriter buffers per-event rows and writes them to a backing
// array in as few calls as possible, one per maximal run of consecutive
// event numbers.
package rangewriter

// Run is a half-open range [Start, Start+Len) of consecutive keys.
type Run struct {
	Start uint64
	Len   int
}

// End returns the first key after the run.
func (r Run) End() uint64 {
	return r.Start + uint64(r.Len)
}

// Runs partitions ascending keys into maximal runs of consecutive integers.
// A run ends where the next key is not exactly previous+1. Duplicate keys are
// not expected.
func Runs(sortedKeys []uint64) []Run {
	if len(sortedKeys) == 0 {
		return nil
	}
	runs := make([]Run, 0, 1)
	cur := Run{Start: sortedKeys[0], Len: 1}
	for _, k := range sortedKeys[1:] {
		if k == cur.End() {
			cur.Len++
			continue
		}
		runs = append(runs, cur)
		cur = Run{Start: k, Len: 1}
	}
	return append(runs, cur)
}
