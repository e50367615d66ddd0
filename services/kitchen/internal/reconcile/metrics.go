package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	duration *prometheus.HistogramVec
	timeouts prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kds_reconcile_duration_seconds",
				Help:    "Time to bring a connection up to date",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 3},
			},
			[]string{"mode"},
		),
		timeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kds_reconcile_timeouts_total",
				Help: "Snapshots abandoned at the deadline",
			},
		),
	}
}

func (m *metrics) observe(mode string, d time.Duration) {
	m.duration.WithLabelValues(mode).Observe(d.Seconds())
}
