// Package flusher drains the sample accumulator and turns each drain into one
// batch fit and one series store append.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/unijord/xrfstage/pkg/accumulator"
	"github.com/unijord/xrfstage/pkg/fit"
	"github.com/unijord/xrfstage/pkg/series"
)

var ErrRowCount = errors.New("fit result row count does not match batch")

// SeriesStore receives one batch per flush.
type SeriesStore interface {
	AppendBatch(b series.Batch) ([]string, error)
}

// Report describes one flush. Idle means the accumulator was empty and the
// flush did nothing.
type Report struct {
	Idle      bool
	Samples   int
	Dropped   int
	Series    int
	NewSeries []string
	Duration  time.Duration
}

// FlushError is returned when a drained batch could not be written. The
// batch has been requeued.
type FlushError struct {
	Stage   string
	Samples int
	Err     error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d samples failed at %s: %v", e.Samples, e.Stage, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// SeriesName is the store name of a fit label.
func SeriesName(group, label string) string {
	return group + "/" + label
}

// Flusher is driven by a single flush context.
type Flusher struct {
	buf    *accumulator.Buffer[accumulator.Entry]
	engine fit.Engine
	store  SeriesStore
	logger *slog.Logger
}

// New returns a flusher draining buf.
func New(buf *accumulator.Buffer[accumulator.Entry], engine fit.Engine, store SeriesStore, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		buf:    buf,
		engine: engine,
		store:  store,
		logger: logger.With("component", "flusher"),
	}
}

// Flush drains the accumulator, fits every drained spectrum in one engine
// call and appends the results in one store call. Positions and values keep
// drain order. If any step fails the drained entries are requeued and
// nothing has been written.
func (f *Flusher) Flush(ctx context.Context) (Report, error) {
	start := time.Now()
	drained := f.buf.Drain()
	if len(drained) == 0 {
		return Report{Idle: true}, nil
	}

	entries, dropped := withSpectrum(drained)
	if dropped > 0 {
		f.logger.Warn("dropping samples without spectrum", "count", dropped)
	}
	if len(entries) == 0 {
		return Report{Dropped: dropped, Duration: time.Since(start)}, nil
	}

	batch, err := f.fit(ctx, entries)
	if err != nil {
		f.buf.Requeue(entries)
		return Report{}, err
	}

	created, err := f.store.AppendBatch(batch)
	if err != nil {
		f.buf.Requeue(entries)
		return Report{}, &FlushError{Stage: "store", Samples: len(entries), Err: err}
	}

	report := Report{
		Samples:   len(entries),
		Dropped:   dropped,
		Series:    len(batch.Columns),
		NewSeries: created,
		Duration:  time.Since(start),
	}
	if len(created) > 0 {
		f.logger.Info("new series", "names", created)
	}
	f.logger.Debug("flushed samples",
		"samples", report.Samples,
		"series", report.Series,
		"duration", report.Duration)
	return report, nil
}

func (f *Flusher) fit(ctx context.Context, entries []accumulator.Entry) (series.Batch, error) {
	spectra := Matrix(entries)
	result, err := f.engine.Fit(ctx, spectra)
	if err != nil {
		return series.Batch{}, &FlushError{Stage: "fit", Samples: len(entries), Err: err}
	}

	batch := series.Batch{
		X:       make([]float64, len(entries)),
		Y:       make([]float64, len(entries)),
		Columns: make(map[string][]float64),
	}
	for i, e := range entries {
		batch.X[i] = e.Position.X
		batch.Y[i] = e.Position.Y
	}
	for group, labels := range result {
		for label, values := range labels {
			if len(values) != len(entries) {
				return series.Batch{}, &FlushError{
					Stage:   "fit",
					Samples: len(entries),
					Err:     fmt.Errorf("%w: %s/%s has %d values", ErrRowCount, group, label, len(values)),
				}
			}
			batch.Columns[SeriesName(group, label)] = values
		}
	}
	return batch, nil
}

// Matrix stacks the spectra of entries into a sample-major matrix. Shorter
// spectra are padded with zeros to the widest one.
func Matrix(entries []accumulator.Entry) *mat.Dense {
	width := 0
	for _, e := range entries {
		width = max(width, len(e.Spectrum))
	}
	m := mat.NewDense(len(entries), width, nil)
	for i, e := range entries {
		m.SetRow(i, padded(e.Spectrum, width))
	}
	return m
}

func padded(row []float64, width int) []float64 {
	if len(row) == width {
		return row
	}
	out := make([]float64, width)
	copy(out, row)
	return out
}

func withSpectrum(entries []accumulator.Entry) ([]accumulator.Entry, int) {
	kept := entries[:0:0]
	for _, e := range entries {
		if len(e.Spectrum) > 0 {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return entries, 0
	}
	return kept, len(entries) - len(kept)
}
