// Package metrics declares the Prometheus collectors exported by the
// orchestrator on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "silo"

var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Cloud provider API requests by method and response status.",
	}, []string{"method", "status"})

	ProviderRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_rate_limited_total",
		Help:      "Provider responses with HTTP 429.",
	})

	StepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_transitions_total",
		Help:      "Provisioning state changes by resulting status and step.",
	}, []string{"status", "step"})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provisioning_step_duration_seconds",
		Help:      "Wall-clock cost of a single Step invocation.",
		Buckets:   prometheus.DefBuckets,
	})

	LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_operations_total",
		Help:      "Stop/start/destroy/rollback operations by result.",
	}, []string{"operation", "result"})

	CredentialPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_pushes_total",
		Help:      "Per-instance credential deliveries by result.",
	}, []string{"result"})
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
