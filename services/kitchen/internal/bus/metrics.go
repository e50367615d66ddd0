package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	published     *prometheus.CounterVec
	delivered     prometheus.Counter
	slowConsumers prometheus.Counter
	subscriptions prometheus.Gauge
	ringEvents    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		published: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kds_bus_published_total",
				Help: "Events published on the bus",
			},
			[]string{"kind"},
		),
		delivered: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kds_bus_delivered_total",
				Help: "Events enqueued to subscriptions, replay included",
			},
		),
		slowConsumers: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kds_bus_slow_consumer_total",
				Help: "Subscriptions closed because their queue overflowed",
			},
		),
		subscriptions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kds_bus_subscriptions",
				Help: "Live subscriptions",
			},
		),
		ringEvents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kds_bus_ring_events",
				Help: "Events retained for resume per branch",
			},
			[]string{"branch"},
		),
	}
}
