package watch

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Engine's internal counters, registered on a private
// registry. depositd exposes no scrape endpoint itself; the series exist
// for an exposition layer to read.
type metrics struct {
	ticks             prometheus.Counter
	watchesProcessed  prometheus.Counter
	watchesErrored    prometheus.Counter
	confirmations     prometheus.Counter
	expirations       prometheus.Counter
	forceStops        prometheus.Counter
	duplicateDeposits prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "ticks_total",
			Help: "Number of completed Watch Engine ticks.",
		}),
		watchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "watches_processed_total",
			Help: "Number of per-watch checks performed.",
		}),
		watchesErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "watches_errored_total",
			Help: "Number of per-watch checks that returned an error and were skipped.",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "confirmations_total",
			Help: "Number of watches that reached CONFIRMED.",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "expirations_total",
			Help: "Number of watches that reached EXPIRED.",
		}),
		forceStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "force_stops_total",
			Help: "Number of watches force-stopped past the callback-exhaust horizon.",
		}),
		duplicateDeposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depositd", Subsystem: "watch", Name: "duplicate_deposits_total",
			Help: "Number of deposit observations rejected as duplicates.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ticks, m.watchesProcessed, m.watchesErrored, m.confirmations,
			m.expirations, m.forceStops, m.duplicateDeposits)
	}

	return m
}
