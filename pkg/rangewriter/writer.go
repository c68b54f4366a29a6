package rangewriter

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// BackingArray is a 2D array growable along axis 0.
type BackingArray interface {
	Len() uint64
	ResizeAxis0(n uint64) error
	WriteRange(start uint64, rows [][]float64) error
}

// widthArray is a BackingArray with a fixed row width, 0 until known.
type widthArray interface {
	Width() int
}

// Report describes one flush.
type Report struct {
	Idle     bool
	Rows     int
	Dropped  int
	Runs     int
	Length   uint64
	Duration time.Duration
}

// Writer buffers rows by key. Put is safe for concurrent producers; Flush is
// called from a single flush context.
type Writer struct {
	mu      sync.Mutex
	pending map[uint64][]float64

	array  BackingArray
	logger *slog.Logger
}

// New returns a writer over array.
func New(array BackingArray, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		pending: make(map[uint64][]float64),
		array:   array,
		logger:  logger.With("component", "rangewriter"),
	}
}

// Put buffers row for key. A later Put for the same key before the next flush
// replaces the row.
func (w *Writer) Put(key uint64, row []float64) {
	w.mu.Lock()
	w.pending[key] = row
	w.mu.Unlock()
}

// Len returns the number of buffered rows.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) swap() map[uint64][]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	drained := w.pending
	w.pending = make(map[uint64][]float64)
	return drained
}

// reintroduce puts back rows that were not written. Rows put since the swap
// are newer and win.
func (w *Writer) reintroduce(rows map[uint64][]float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, row := range rows {
		if _, newer := w.pending[k]; !newer {
			w.pending[k] = row
		}
	}
}

// Flush writes every buffered row. Empty rows and rows whose width differs
// from the array width (or, before the first write, from the lowest key's
// row) are dropped and logged. The array is then grown to hold the largest
// key, and each run of consecutive keys is written with one call, in
// ascending key order. On error the rows not yet written are buffered again.
func (w *Writer) Flush(ctx context.Context) (Report, error) {
	start := time.Now()
	drained := w.swap()
	if drained == nil {
		return Report{Idle: true, Length: w.array.Len()}, nil
	}

	keys := make([]uint64, 0, len(drained))
	for k := range drained {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	dropped := len(keys)
	keys = w.dropInvalid(drained, keys)
	dropped -= len(keys)
	if len(keys) == 0 {
		return Report{Dropped: dropped, Length: w.array.Len(), Duration: time.Since(start)}, nil
	}
	maxKey := keys[len(keys)-1]

	if n := maxKey + 1; n > w.array.Len() {
		if err := w.array.ResizeAxis0(n); err != nil {
			w.reintroduce(drained)
			return Report{}, fmt.Errorf("resize backing array to %d: %w", n, err)
		}
	}

	runs := Runs(keys)
	for i, run := range runs {
		if err := ctx.Err(); err != nil {
			w.reintroduce(unwritten(drained, runs[i:]))
			return Report{}, err
		}
		rows := make([][]float64, run.Len)
		for j := range rows {
			rows[j] = drained[run.Start+uint64(j)]
		}
		if err := w.array.WriteRange(run.Start, rows); err != nil {
			w.reintroduce(unwritten(drained, runs[i:]))
			return Report{}, fmt.Errorf("write rows [%d, %d): %w", run.Start, run.End(), err)
		}
	}

	report := Report{
		Rows:     len(keys),
		Dropped:  dropped,
		Runs:     len(runs),
		Length:   w.array.Len(),
		Duration: time.Since(start),
	}
	w.logger.Debug("flushed rows",
		"rows", report.Rows,
		"runs", report.Runs,
		"dropped", report.Dropped,
		"length", report.Length,
		"duration", report.Duration)
	return report, nil
}

// dropInvalid removes rows the array can never accept from drained and
// returns the remaining keys, still sorted.
func (w *Writer) dropInvalid(drained map[uint64][]float64, keys []uint64) []uint64 {
	width := 0
	if a, ok := w.array.(widthArray); ok {
		width = a.Width()
	}
	kept := keys[:0]
	for _, k := range keys {
		row := drained[k]
		switch {
		case len(row) == 0:
			w.logger.Error("dropping empty row", "key", k)
		case width != 0 && len(row) != width:
			w.logger.Error("dropping row with wrong width",
				"key", k,
				"width", len(row),
				"want", width)
		default:
			width = len(row)
			kept = append(kept, k)
			continue
		}
		delete(drained, k)
	}
	return kept
}

func unwritten(drained map[uint64][]float64, runs []Run) map[uint64][]float64 {
	out := make(map[uint64][]float64)
	for _, run := range runs {
		for k := run.Start; k < run.End(); k++ {
			out[k] = drained[k]
		}
	}
	return out
}
