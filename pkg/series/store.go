// Package series holds the named result series produced by batch fits.
//
// All series share one pair of coordinate arrays. Every series' Values is
// index-aligned with those coordinates: len(Values) == len(X) == len(Y)
// after every operation. A series first seen after some coordinates were
// already recorded is backfilled with NaN for those positions.
package series

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/unijord/xrfstage/pkg/walfs"
)

const journalExt = ".journal"

var (
	ErrClosed         = errors.New("series store is closed")
	ErrLengthMismatch = errors.New("series batch length mismatch")
	ErrEmptyName      = errors.New("series name is empty")
	ErrCorruptRecord  = errors.New("corrupt series journal record")
)

// Batch is one flush worth of coordinates and per-series values. Every
// column must have exactly len(X) values.
type Batch struct {
	X       []float64
	Y       []float64
	Columns map[string][]float64
}

func (b Batch) validate() error {
	if len(b.X) != len(b.Y) {
		return fmt.Errorf("%w: %d x values, %d y values", ErrLengthMismatch, len(b.X), len(b.Y))
	}
	for name, values := range b.Columns {
		if name == "" {
			return ErrEmptyName
		}
		if len(values) != len(b.X) {
			return fmt.Errorf("%w: series %q has %d values for %d positions",
				ErrLengthMismatch, name, len(values), len(b.X))
		}
	}
	return nil
}

// Series is a copy of one named series with its coordinates.
type Series struct {
	Name   string
	X      []float64
	Y      []float64
	Values []float64
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	segmentSize int64
	syncWrites  bool
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSegmentSize sets the journal segment size.
func WithSegmentSize(size int64) Option {
	return func(o *options) {
		o.segmentSize = size
	}
}

// WithSyncEveryWrite msyncs the journal after every batch.
func WithSyncEveryWrite() Option {
	return func(o *options) {
		o.syncWrites = true
	}
}

// Store is an append-only set of named series. It is safe for concurrent
// use, but is written by a single flush context.
type Store struct {
	mu      sync.RWMutex
	x       []float64
	y       []float64
	values  map[string][]float64
	journal *walfs.WALog
	closed  bool
	logger  *slog.Logger
}

// NewMemory returns a store without a journal.
func NewMemory(opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		values: make(map[string][]float64),
		logger: o.logger,
	}
}

// Open opens the journal in dir and replays it.
func Open(dir string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)

	walOpts := []walfs.WALogOptions{walfs.WithMSyncEveryWrite(o.syncWrites)}
	if o.segmentSize > 0 {
		walOpts = append(walOpts, walfs.WithMaxSegmentSize(o.segmentSize))
	}
	journal, err := walfs.NewWALog(dir, journalExt, walOpts...)
	if err != nil {
		return nil, fmt.Errorf("open series journal: %w", err)
	}

	s := &Store{
		values:  make(map[string][]float64),
		journal: journal,
		logger:  o.logger,
	}
	if err := s.replay(); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return s, nil
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "series")
	return o
}

func (s *Store) replay() error {
	r := s.journal.NewReader()
	var batches int
	for {
		data, pos, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("replay series journal: %w", err)
		}
		b, err := decodeBatch(data)
		if err != nil {
			return fmt.Errorf("replay series journal at %s: %w", pos, err)
		}
		s.apply(b)
		batches++
	}
	if batches > 0 {
		s.logger.Info("replayed series journal",
			"batches", batches,
			"positions", len(s.x),
			"series", len(s.values))
	}
	return nil
}

// RequireNamedSeries makes sure the named series exists and reports whether
// it was created by this call.
func (s *Store) RequireNamedSeries(name string) (bool, error) {
	s.mu.RLock()
	_, ok := s.values[name]
	s.mu.RUnlock()
	if ok {
		return false, nil
	}
	created, err := s.AppendBatch(Batch{Columns: map[string][]float64{name: nil}})
	if err != nil {
		return false, err
	}
	return len(created) == 1, nil
}

// Append appends coordinates and values for a single series. Other series
// get NaN for the new positions.
func (s *Store) Append(name string, x, y, values []float64) error {
	_, err := s.AppendBatch(Batch{X: x, Y: y, Columns: map[string][]float64{name: values}})
	return err
}

// AppendBatch appends the batch coordinates once and every column to its
// series. The batch is validated and journaled before it is applied, so a
// failed call leaves the store unchanged. It returns the names of series
// created by this batch, sorted.
func (s *Store) AppendBatch(b Batch) ([]string, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var created []string
	for name := range b.Columns {
		if _, ok := s.values[name]; !ok {
			created = append(created, name)
		}
	}
	sort.Strings(created)

	if len(b.X) == 0 && len(created) == 0 {
		return nil, nil
	}

	if s.journal != nil {
		if _, err := s.journal.Append(encodeBatch(b)); err != nil {
			return nil, fmt.Errorf("journal series batch: %w", err)
		}
	}
	s.apply(b)
	return created, nil
}

func (s *Store) apply(b Batch) {
	prev := len(s.x)
	for name := range b.Columns {
		if _, ok := s.values[name]; !ok {
			s.values[name] = nanFilled(prev)
		}
	}
	s.x = append(s.x, b.X...)
	s.y = append(s.y, b.Y...)
	for name, values := range s.values {
		if col, ok := b.Columns[name]; ok {
			s.values[name] = append(values, col...)
			continue
		}
		s.values[name] = append(values, nanFilled(len(b.X))...)
	}
}

func nanFilled(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Len returns the number of recorded positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.x)
}

// Names returns the series names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coordinates returns copies of the shared coordinate arrays.
func (s *Store) Coordinates() (x, y []float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.x...), append([]float64(nil), s.y...)
}

// Snapshot returns a copy of the named series.
func (s *Store) Snapshot(name string) (Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.values[name]
	if !ok {
		return Series{}, false
	}
	return Series{
		Name:   name,
		X:      append([]float64(nil), s.x...),
		Y:      append([]float64(nil), s.y...),
		Values: append([]float64(nil), values...),
	}, true
}

// Sync flushes the journal to disk.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.journal == nil {
		return nil
	}
	return s.journal.Sync()
}

// Close closes the journal. The in-memory series stay readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
