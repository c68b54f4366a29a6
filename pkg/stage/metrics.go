package stage

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Flush paths used as the "path" label.
const (
	pathSamples = "samples"
	pathRows    = "rows"
)

// Metrics holds the Prometheus collectors of a stage.
type Metrics struct {
	events        *prometheus.CounterVec   // by payload kind
	emptyEvents   *prometheus.CounterVec   // by reason
	flushes       *prometheus.CounterVec   // by path and outcome (ok/idle/error)
	flushedItems  *prometheus.CounterVec   // samples or rows written, by path
	flushDuration *prometheus.HistogramVec // by path
	buffered      *prometheus.GaugeVec     // items waiting, by path
	controlLog    prometheus.Gauge
}

// NewMetrics creates the stage collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrfstage",
			Subsystem: "events",
			Name:      "classified_total",
			Help:      "Events classified, by payload kind",
		}, []string{"kind"}),

		emptyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrfstage",
			Subsystem: "events",
			Name:      "empty_total",
			Help:      "Events that produced no data, by reason",
		}, []string{"reason"}),

		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrfstage",
			Subsystem: "flush",
			Name:      "total",
			Help:      "Flushes by path and outcome",
		}, []string{"path", "outcome"}),

		flushedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrfstage",
			Subsystem: "flush",
			Name:      "items_total",
			Help:      "Samples fitted or rows written",
		}, []string{"path"}),

		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xrfstage",
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Duration of non idle flushes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"path"}),

		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xrfstage",
			Subsystem: "buffer",
			Name:      "items",
			Help:      "Items waiting for the next flush",
		}, []string{"path"}),

		controlLog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xrfstage",
			Subsystem: "control",
			Name:      "records",
			Help:      "Control records collected",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.events, m.emptyEvents, m.flushes, m.flushedItems, m.flushDuration, m.buffered, m.controlLog,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register stage metrics: %w", err)
		}
	}
	return m, nil
}
