package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/unijord/xrfstage/pkg/classify"
	"github.com/unijord/xrfstage/pkg/config"
	"github.com/unijord/xrfstage/pkg/event"
	"github.com/unijord/xrfstage/pkg/fit"
	"github.com/unijord/xrfstage/pkg/flusher"
	"github.com/unijord/xrfstage/pkg/integrate"
	"github.com/unijord/xrfstage/pkg/rowstore"
	"github.com/unijord/xrfstage/pkg/scantest"
	"github.com/unijord/xrfstage/pkg/series"
	"github.com/unijord/xrfstage/pkg/source"
	"github.com/unijord/xrfstage/pkg/streams"
)

type sumEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *sumEngine) Fit(_ context.Context, spectra *mat.Dense) (fit.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	r, _ := spectra.Dims()
	total := make([]float64, r)
	for i := range total {
		total[i] = mat.Sum(spectra.RowView(i))
	}
	return fit.Result{fit.GroupParameters: {"total": total}}, nil
}

type flakyStore struct {
	*series.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) AppendBatch(b series.Batch) ([]string, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.Store.AppendBatch(b)
}

type fixture struct {
	stage   *Stage
	store   *series.Store
	rows    *rowstore.Store
	engine  *sumEngine
	metrics *Metrics
}

func newFixture(t *testing.T, store flusher.SeriesStore) *fixture {
	t.Helper()
	integ, err := integrate.NewRadial([]byte("center_x: 0\ncenter_y: 0\n"), integrate.Params{Bins: 4})
	require.NoError(t, err)
	c, err := classify.New(classify.DefaultConfig(), integ, nil)
	require.NoError(t, err)

	rows, err := rowstore.Open(filepath.Join(t.TempDir(), "azint.rows"))
	require.NoError(t, err)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	f := &fixture{rows: rows, engine: &sumEngine{}, metrics: metrics}
	if store == nil {
		f.store = series.NewMemory()
		store = f.store
	}
	f.stage, err = New(Components{
		Classifier: c,
		Engine:     f.engine,
		Store:      store,
		Array:      rows,
	}, Options{Workers: 3, Metrics: metrics})
	require.NoError(t, err)
	return f
}

func sampleEvent(n uint64, x, y float64, counts ...uint32) event.Event {
	return scantest.Event(n, map[string]event.StreamData{
		"contrast": scantest.Running(x, y),
		"xspress3": scantest.ChannelSpectrum(4, 3, counts),
	})
}

func imageEvent(n uint64) event.Event {
	return scantest.Event(n, map[string]event.StreamData{
		"pilatus": scantest.AreaImage(4, 4, func(r, c int) int32 { return int32(n) }),
	})
}

func TestRunProcessesAndFlushesEverything(t *testing.T) {
	f := newFixture(t, nil)

	events := []event.Event{
		scantest.Event(0, map[string]event.StreamData{"contrast": scantest.Status(streams.StatusStarted)}),
		sampleEvent(1, 1, 2, 1, 2, 3),
		sampleEvent(2, 1, 3, 10, 20, 30),
		imageEvent(5),
		imageEvent(6),
		imageEvent(9),
		scantest.Event(10, map[string]event.StreamData{"xspress3": scantest.Spectrum(4, 4, func(int, int) uint32 { return 1 })}),
	}
	err := f.stage.Run(context.Background(), source.NewSliceSource(events...))
	require.NoError(t, err)

	total, ok := f.store.Snapshot("parameters/total")
	require.True(t, ok)
	assert.ElementsMatch(t, []float64{6, 60}, total.Values)
	for i, v := range total.Values {
		if v == 6 {
			assert.Equal(t, 2.0, total.Y[i])
		} else {
			assert.Equal(t, 3.0, total.Y[i])
		}
	}

	log := f.stage.ControlLog()
	require.Contains(t, log, uint64(0))
	assert.Equal(t, streams.StatusStarted, log[0].Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.events.WithLabelValues("sample")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.events.WithLabelValues("integration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.events.WithLabelValues("control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.emptyEvents.WithLabelValues(string(classify.ReasonNoControl))))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.flushedItems.WithLabelValues(pathRows)))

	samples, rows := f.stage.Pending()
	assert.Zero(t, samples)
	assert.Zero(t, rows)
}

func TestRowsReachBackingArray(t *testing.T) {
	f := newFixture(t, nil)
	for _, n := range []uint64{5, 6, 7, 10} {
		f.stage.Process(imageEvent(n))
	}
	report, err := f.stage.FlushNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rows.Runs)
	assert.True(t, report.Samples.Idle)

	assert.Equal(t, uint64(11), f.rows.Len())
	assert.Equal(t, 4, f.rows.Width())
	row, err := f.rows.Row(6)
	require.NoError(t, err)
	assert.Equal(t, 6.0, row[0])
	require.NoError(t, f.stage.Close())
}

func TestEmptyFlushTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.stage.FlushNow(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Idle())
	assert.Zero(t, f.engine.calls)
	assert.Zero(t, f.rows.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.flushes.WithLabelValues(pathSamples, "idle")))
	require.NoError(t, f.stage.Close())
}

func TestConcurrentProcessWithFlushes(t *testing.T) {
	f := newFixture(t, nil)

	const producers, perProducer = 6, 40
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				n := uint64(p*perProducer + i)
				f.stage.Process(sampleEvent(n, float64(p), float64(i), 1))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	flushing := true
	for flushing {
		select {
		case <-done:
			flushing = false
		default:
			_, err := f.stage.FlushNow(context.Background())
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.stage.Close())

	assert.Equal(t, producers*perProducer, f.store.Len())
	total, _ := f.store.Snapshot("parameters/total")
	assert.Len(t, total.Values, producers*perProducer)
}

// blockingSource serves its events, then blocks until cancelled.
type blockingSource struct {
	*source.SliceSource
	served chan struct{}
	once   sync.Once
}

func (b *blockingSource) Next(ctx context.Context) (event.Event, error) {
	ev, err := b.SliceSource.Next(ctx)
	if err == nil {
		return ev, nil
	}
	b.once.Do(func() { close(b.served) })
	<-ctx.Done()
	return event.Event{}, ctx.Err()
}

func TestCancelledRunFlushesBufferedData(t *testing.T) {
	f := newFixture(t, nil)
	src := &blockingSource{
		SliceSource: source.NewSliceSource(sampleEvent(1, 0, 0, 5), sampleEvent(2, 0, 1, 7), imageEvent(3)),
		served:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.stage.Run(ctx, src) }()

	<-src.served
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, 2, f.store.Len())
	assert.Equal(t, uint64(4), f.rows.Len())
}

func TestFinalFlushRetries(t *testing.T) {
	store := &flakyStore{Store: series.NewMemory(), failures: 2}
	f := newFixture(t, store)
	f.stage.Process(sampleEvent(1, 0, 0, 5))

	require.NoError(t, f.stage.Close())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 3, f.engine.calls)
}

func TestFinalFlushGivesUp(t *testing.T) {
	store := &flakyStore{Store: series.NewMemory(), failures: 10}
	f := newFixture(t, store)
	f.stage.Process(sampleEvent(1, 0, 0, 5))

	err := f.stage.Close()
	assert.ErrorIs(t, err, ErrFinalFlush)
	assert.Equal(t, err, f.stage.Close())
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Components{}, Options{})
	assert.ErrorIs(t, err, ErrMissingPart)
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	fitPath := filepath.Join(dir, "fit.yaml")
	geoPath := filepath.Join(dir, "geometry.yaml")
	require.NoError(t, os.WriteFile(fitPath, []byte("rois:\n  - {label: Fe, lo: 0, hi: 2}\n"), 0o644))
	require.NoError(t, os.WriteFile(geoPath, []byte("center_x: 1\ncenter_y: 1\n"), 0o644))

	cfg := config.Default()
	cfg.FitConfig = fitPath
	cfg.Geometry = geoPath
	cfg.RowsPath = filepath.Join(dir, "azint.rows")
	cfg.SeriesDir = filepath.Join(dir, "series")
	require.NoError(t, cfg.Validate())

	st, err := Build(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, st.Run(context.Background(), source.NewSliceSource(
		sampleEvent(1, 0.5, 0.25, 3, 4, 100),
		imageEvent(2),
	)))

	store, err := series.Open(cfg.SeriesDir)
	require.NoError(t, err)
	defer store.Close()
	fe, ok := store.Snapshot("roi/Fe")
	require.True(t, ok)
	assert.Equal(t, []float64{7}, fe.Values)
	assert.Equal(t, []float64{0.5}, fe.X)

	rows, err := rowstore.Open(cfg.RowsPath)
	require.NoError(t, err)
	defer rows.Close()
	assert.Equal(t, uint64(3), rows.Len())
	assert.Equal(t, 100, rows.Width())
}

func TestBuildFailsWithoutBlobs(t *testing.T) {
	cfg := config.Default()
	cfg.FitConfig = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Build(cfg, nil, nil)
	assert.Error(t, err)

	cfg.FitConfig = ""
	_, err = Build(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrMissingBlob)
}
