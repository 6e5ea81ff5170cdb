package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks staged requests per staging queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetchq_queue_depth",
		Help: "Staged requests by queue",
	}, []string{"queue"})

	// RequestsFinished counts finished requests by outcome marker.
	RequestsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchq_requests_total",
		Help: "Total finished requests by outcome",
	}, []string{"outcome"})

	// RequestDuration observes request lifetime from creation to
	// finish.
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchq_request_duration_seconds",
		Help:    "Request lifetime from creation to finish in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
)
