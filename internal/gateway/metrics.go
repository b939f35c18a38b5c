package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts gateway calls.
	// Labels: capability, outcome (ok, network, auth, server, client)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aura",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of calls to the tutoring service by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	// RequestDuration tracks how long gateway calls take.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aura",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of calls to the tutoring service in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	// ServiceOnline is 1 when the last health check succeeded, 0 otherwise.
	ServiceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aura",
			Subsystem: "gateway",
			Name:      "service_online",
			Help:      "Whether the last health check of the tutoring service succeeded",
		},
	)
)

func observe(capability string, started time.Time, err *RemoteError) {
	outcome := "ok"
	if err != nil {
		outcome = string(err.Kind)
	}
	RequestsTotal.WithLabelValues(capability, outcome).Inc()
	RequestDuration.WithLabelValues(capability).Observe(time.Since(started).Seconds())
}
