// Package stage wires the classifier, the sample accumulator, the row range
// writer and their flushers into one per-event reduction stage.
//
// Producers call Process concurrently. A single flush loop drains both
// buffers every FlushInterval; only the flush side touches the series store
// and the backing array. When the event stream ends, or the context is
// cancelled, one final flush of both paths runs before Run returns.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unijord/xrfstage/pkg/accumulator"
	"github.com/unijord/xrfstage/pkg/classify"
	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/fit"
	"github.com/unijord/xrfstage/pkg/flusher"
	"github.com/unijord/xrfstage/pkg/rangewriter"
	"github.com/unijord/xrfstage/pkg/source"
	"github.com/unijord/xrfstage/pkg/streams"
)

var (
	ErrMissingPart    = errors.New("stage component is missing")
	ErrFinalFlush     = errors.New("final flush failed")
	ErrAlreadyRunning = errors.New("stage is already running")
	ErrMissingBlob    = errors.New("configuration blob path is not set")
)

// Options tune a stage.
type Options struct {
	Workers            int
	FlushInterval      time.Duration
	FinalFlushAttempts int
	BufferCapacity     int
	Logger             *slog.Logger
	Metrics            *Metrics
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Workers:            4,
		FlushInterval:      time.Second,
		FinalFlushAttempts: 3,
		BufferCapacity:     1024,
	}
}

// Components are the collaborators of a stage. Store and Array are closed
// by Close when they implement io.Closer.
type Components struct {
	Classifier *classify.Classifier
	Engine     fit.Engine
	Store      flusher.SeriesStore
	Array      rangewriter.BackingArray
}

// FlushReport combines the reports of both flush paths.
type FlushReport struct {
	Samples flusher.Report
	Rows    rangewriter.Report
}

// Idle reports whether neither path had anything to flush.
func (r FlushReport) Idle() bool {
	return r.Samples.Idle && r.Rows.Idle
}

// Stage is the per-event reduction stage.
type Stage struct {
	opts       Options
	parts      Components
	classifier *classify.Classifier
	samples    *accumulator.Buffer[accumulator.Entry]
	rows       *rangewriter.Writer
	flusher    *flusher.Flusher
	metrics    *Metrics
	logger     *slog.Logger

	controlMu sync.Mutex
	control   map[uint64]streams.ControlRecord

	// serialises ticker, on-demand and final flushes
	flushMu sync.Mutex

	running   sync.Mutex
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New assembles a stage from its components.
func New(parts Components, opts Options) (*Stage, error) {
	if parts.Classifier == nil || parts.Engine == nil || parts.Store == nil || parts.Array == nil {
		return nil, ErrMissingPart
	}
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.FinalFlushAttempts <= 0 {
		opts.FinalFlushAttempts = def.FinalFlushAttempts
	}
	if opts.BufferCapacity < 0 {
		opts.BufferCapacity = def.BufferCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}

	samples := accumulator.New[accumulator.Entry](opts.BufferCapacity)
	return &Stage{
		opts:       opts,
		parts:      parts,
		classifier: parts.Classifier,
		samples:    samples,
		rows:       rangewriter.New(parts.Array, opts.Logger),
		flusher:    flusher.New(samples, parts.Engine, parts.Store, opts.Logger),
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "stage"),
		control:    make(map[uint64]streams.ControlRecord),
		stopCh:     make(chan struct{}),
	}, nil
}

// Process classifies one event and routes the payload. It is safe for
// concurrent producers and never blocks behind a flush.
func (s *Stage) Process(ev event.Event) classify.Payload {
	payload := s.classifier.Classify(ev)
	s.metrics.events.WithLabelValues(classify.Kind(payload)).Inc()

	switch p := payload.(type) {
	case classify.Control:
		s.controlMu.Lock()
		s.control[p.Event] = p.Record
		n := len(s.control)
		s.controlMu.Unlock()
		s.metrics.controlLog.Set(float64(n))
		s.logger.Info("control record",
			"event", p.Event,
			"status", p.Record.Status,
			"scan", p.Record.ScanNr)
	case classify.IntegrationRow:
		s.rows.Put(p.Key, p.Profile)
		s.metrics.buffered.WithLabelValues(pathRows).Set(float64(s.rows.Len()))
	case classify.Sample:
		s.samples.Append(accumulator.Entry{Event: p.Event, Position: p.Position, Spectrum: p.Spectrum})
		s.metrics.buffered.WithLabelValues(pathSamples).Set(float64(s.samples.Len()))
	case classify.Empty:
		s.metrics.emptyEvents.WithLabelValues(string(p.Reason)).Inc()
	}
	return payload
}

// ControlLog returns a copy of the control records seen so far, keyed by
// event number.
func (s *Stage) ControlLog() map[uint64]streams.ControlRecord {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return maps.Clone(s.control)
}

// Pending returns the number of buffered samples and rows.
func (s *Stage) Pending() (samples, rows int) {
	return s.samples.Len(), s.rows.Len()
}

// FlushNow flushes both paths. Both are attempted even if the first fails;
// failed data stays buffered for the next flush.
func (s *Stage) FlushNow(ctx context.Context) (FlushReport, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var report FlushReport
	rowReport, rowErr := s.rows.Flush(ctx)
	report.Rows = rowReport
	s.observe(pathRows, rowReport.Idle, rowReport.Rows, rowReport.Duration, rowErr)

	sampleReport, sampleErr := s.flusher.Flush(ctx)
	report.Samples = sampleReport
	s.observe(pathSamples, sampleReport.Idle, sampleReport.Samples, sampleReport.Duration, sampleErr)

	samples, rows := s.Pending()
	s.metrics.buffered.WithLabelValues(pathSamples).Set(float64(samples))
	s.metrics.buffered.WithLabelValues(pathRows).Set(float64(rows))

	var errs []error
	if rowErr != nil {
		errs = append(errs, fmt.Errorf("flush rows: %w", rowErr))
	}
	if sampleErr != nil {
		errs = append(errs, fmt.Errorf("flush samples: %w", sampleErr))
	}
	return report, errors.Join(errs...)
}

func (s *Stage) observe(path string, idle bool, items int, d time.Duration, err error) {
	switch {
	case err != nil:
		s.metrics.flushes.WithLabelValues(path, "error").Inc()
	case idle:
		s.metrics.flushes.WithLabelValues(path, "idle").Inc()
	default:
		s.metrics.flushes.WithLabelValues(path, "ok").Inc()
		s.metrics.flushedItems.WithLabelValues(path).Add(float64(items))
		s.metrics.flushDuration.WithLabelValues(path).Observe(d.Seconds())
	}
}

// Start launches the periodic flush loop.
func (s *Stage) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop ends the flush loop and waits for an in-flight flush.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Stage) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.FlushNow(context.Background()); err != nil {
				s.logger.Error("periodic flush failed, data kept for retry", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Run pulls events from src with Workers producers until src returns io.EOF
// or ctx is cancelled, then stops the flush loop and closes the stage with a
// final flush. A cancelled ctx is a normal shutdown and is not reported.
func (s *Stage) Run(ctx context.Context, src source.Source) error {
	if !s.running.TryLock() {
		return ErrAlreadyRunning
	}
	defer s.running.Unlock()

	s.Start()
	s.logger.Info("stage running",
		"workers", s.opts.Workers,
		"flush_interval", s.opts.FlushInterval)

	g, gctx := errgroup.WithContext(ctx)
	var processed atomic.Int64
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for {
				ev, err := src.Next(gctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				s.Process(ev)
				processed.Add(1)
			}
		})
	}
	runErr := g.Wait()
	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		runErr = nil
	}
	s.logger.Info("event stream ended", "events", processed.Load(), "error", runErr)

	closeErr := s.Close()
	return errors.Join(runErr, closeErr)
}

// Close stops the flush loop, flushes both paths one last time and closes
// the store and the array. The final flush is retried up to
// FinalFlushAttempts times. Calling Close again returns the first result.
func (s *Stage) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		flushErr := s.finalFlush()
		s.closeErr = errors.Join(flushErr, s.closeParts())
	})
	return s.closeErr
}

func (s *Stage) finalFlush() error {
	var err error
	for attempt := 1; attempt <= s.opts.FinalFlushAttempts; attempt++ {
		var report FlushReport
		report, err = s.FlushNow(context.Background())
		if err == nil {
			s.logger.Info("final flush done",
				"samples", report.Samples.Samples,
				"rows", report.Rows.Rows,
				"attempt", attempt)
			return nil
		}
		s.logger.Warn("final flush failed",
			"attempt", attempt,
			"max_attempts", s.opts.FinalFlushAttempts,
			"error", err)
	}
	samples, rows := s.Pending()
	s.logger.Error("data lost at shutdown",
		"samples", samples,
		"rows", rows)
	return fmt.Errorf("%w after %d attempts: %w", ErrFinalFlush, s.opts.FinalFlushAttempts, err)
}

func (s *Stage) closeParts() error {
	var errs []error
	for _, part := range []any{s.parts.Store, s.parts.Array} {
		if c, ok := part.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
