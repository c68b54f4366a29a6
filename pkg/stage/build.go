package stage

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unijord/xrfstage/pkg/classify"
	"github.com/unijord/xrfstage/pkg/config"
	"github.com/unijord/xrfstage/pkg/fit"
	"github.com/unijord/xrfstage/pkg/integrate"
	"github.com/unijord/xrfstage/pkg/rangewriter"
	"github.com/unijord/xrfstage/pkg/rowstore"
	"github.com/unijord/xrfstage/pkg/series"
)

// discardArray stands in for the row store when no integration streams are
// configured; it only ever sees empty flushes.
type discardArray struct{}

func (discardArray) Len() uint64                          { return 0 }
func (discardArray) ResizeAxis0(uint64) error             { return nil }
func (discardArray) WriteRange(uint64, [][]float64) error { return nil }

// Build creates a stage from a validated configuration. The fit and geometry
// blobs are read here, so a missing blob fails before any event is read.
func Build(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Stage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fitBlob, err := readBlob("fit configuration", cfg.FitConfig)
	if err != nil {
		return nil, err
	}
	engine, err := fit.NewEngine(fitBlob)
	if err != nil {
		return nil, fmt.Errorf("fit engine: %w", err)
	}

	var integrator integrate.Integrator
	if len(cfg.Classifier.IntegrationStreams) > 0 {
		geometry, err := readBlob("geometry", cfg.Geometry)
		if err != nil {
			return nil, err
		}
		integrator, err = integrate.NewRadial(geometry, integrate.Params{
			Bins:      cfg.Integration.Bins,
			MaxRadius: cfg.Integration.MaxRadius,
		})
		if err != nil {
			return nil, fmt.Errorf("integrator: %w", err)
		}
	}

	classifier, err := classify.New(cfg.Classifier, integrator, logger)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	var store *series.Store
	if cfg.SeriesDir == "" {
		store = series.NewMemory(series.WithLogger(logger))
	} else if store, err = series.Open(cfg.SeriesDir, series.WithLogger(logger)); err != nil {
		return nil, err
	}

	var array rangewriter.BackingArray = discardArray{}
	if integrator != nil {
		rows, err := rowstore.Open(cfg.RowsPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open row store: %w", err)
		}
		array = rows
	}

	return New(Components{
		Classifier: classifier,
		Engine:     engine,
		Store:      store,
		Array:      array,
	}, Options{
		Workers:            cfg.Workers,
		FlushInterval:      cfg.FlushInterval,
		FinalFlushAttempts: cfg.FinalFlushAttempts,
		BufferCapacity:     cfg.BufferCapacity,
		Logger:             logger,
		Metrics:            metrics,
	})
}

func readBlob(what, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%s: %w", what, ErrMissingBlob)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return data, nil
}
