package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportRequests counts completed HTTP exchanges by status code.
	TransportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchq_transport_requests_total",
		Help: "Total HTTP requests by status",
	}, []string{"status"})

	// TransportRetries counts retry attempts by error kind.
	TransportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchq_transport_retries_total",
		Help: "Total retry attempts by error kind",
	}, []string{"kind"})
)
