package warp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	updates  prometheus.Counter
	failures prometheus.Counter
	signals  *prometheus.CounterVec
	batches  *prometheus.CounterVec
	waves    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, rank uint32, queueLen func() float64) *metrics {
	labels := prometheus.Labels{"rank": strconv.FormatUint(uint64(rank), 10)}
	m := &metrics{
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warp", Name: "updates_total",
			Help: "Update function evaluations.", ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warp", Name: "update_failures_total",
			Help: "Update functions that returned an error.", ConstLabels: labels,
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp", Name: "signals_total",
			Help: "Signals raised, by destination.", ConstLabels: labels,
		}, []string{"kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp", Name: "batches_total",
			Help: "Work batches exchanged with peers.", ConstLabels: labels,
		}, []string{"direction"}),
		waves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warp", Name: "termination_waves_total",
			Help: "Termination probe waves run by the coordinator.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.updates, m.failures, m.signals, m.batches, m.waves,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "warp", Name: "queue_length",
				Help: "Vertices waiting for evaluation.", ConstLabels: labels,
			}, queueLen))
	}
	return m
}
