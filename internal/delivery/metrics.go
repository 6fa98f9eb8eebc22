// Package delivery drains the issue delivery queue.
//
// This file exposes Prometheus instrumentation for the worker. Labels are
// limited to the dead-letter reason so cardinality stays constant no matter
// how many issues or subscribers exist.
package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	// sentTotal counts successful sends.
	sentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_sent_total",
			Help: "Emails handed to the email API successfully.",
		},
	)

	// retriesTotal counts failed sends that were rescheduled.
	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_retries_total",
			Help: "Failed sends rescheduled with backoff.",
		},
	)

	// deadLettersTotal counts tasks removed from retry, by reason.
	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_dead_letters_total",
			Help: "Delivery tasks moved to the dead-letter table.",
		},
		[]string{"reason"},
	)

	// batchSize records how many tasks each cycle claimed.
	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_batch_size",
			Help:    "Tasks claimed per worker cycle.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	// sendDuration records the latency of individual sends.
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_send_duration_seconds",
			Help:    "Duration of email API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(sentTotal, retriesTotal, deadLettersTotal, batchSize, sendDuration)
}
